// Package bot orchestrates one inbound message end to end: user upsert,
// single-flight admission, quota debit, history persistence, provider
// streaming and the relay run, plus the cancel and history commands.
package bot
