// Package core provides the foundational domain types and collaborator
// interfaces used by chatrelay. It defines:
//
//   - Turns and Parts (role-tagged conversation content)
//   - The messaging Channel contract (output units, edits, notices)
//   - Persistence contracts for conversation history and user records
//   - The QuotaLedger contract for daily allowance bookkeeping
//
// The package intentionally keeps implementation concerns (persistence
// backends, provider adapters, the relay state machine) out of scope,
// exposing small interfaces to enable custom backends and extensions.
package core
