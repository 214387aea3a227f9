// Package quota implements the daily free-allowance ledger. Admission is
// decided per request: privileged users and active subscribers pass without
// debit, everyone else spends one unit of a per-day allowance that resets
// lazily at the first request of a new calendar day.
package quota
