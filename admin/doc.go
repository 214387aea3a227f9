// Package admin implements the operator-facing service: usage statistics,
// subscription and privilege grants, user lookup and broadcast fan-out.
package admin
