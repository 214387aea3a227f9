// Package session tracks live generations per user identity and enforces
// single-flight admission: at most one in-flight generation per user. The
// Registry owns the only concurrently-mutated map in the engine; every
// insert and remove is atomic with respect to concurrent admissions for the
// same user. Cancellation is cooperative through each generation's context.
package session
