// Package store provides the storage backends for users and conversation
// history. The in-memory implementation serves tests and single-process
// setups; the sqlite and postgres subpackages persist the same contracts.
package store
