package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RenderMode selects how the channel should interpret outgoing text.
type RenderMode int

const (
	// RenderRich asks the channel to parse the text as its rich-text dialect.
	RenderRich RenderMode = iota
	// RenderPlain sends the text verbatim without any markup parsing.
	RenderPlain
)

// String returns the string representation of the render mode.
func (m RenderMode) String() string {
	if m == RenderPlain {
		return "plain"
	}
	return "rich"
}

// Channel abstracts the messaging transport the relay writes to. One output
// unit is one externally addressable, editable message.
//
// Implementations must return a *RetryAfterError when the transport demands
// backoff and an error matching ErrUnitNotEditable when the addressed unit
// no longer accepts edits (deleted or expired externally). Any other error
// is treated as transient by the relay and triggers formatting degradation
// rather than an abort.
type Channel interface {
	// CreateUnit posts a new output unit for the user and returns its id.
	// When cancelable is true the unit carries a cancel affordance.
	CreateUnit(ctx context.Context, userID, text string, cancelable bool) (string, error)

	// EditUnit replaces the text of an existing unit.
	EditUnit(ctx context.Context, userID, unitID, text string, mode RenderMode, cancelable bool) error

	// ClearControls removes the cancel affordance from a unit, leaving its
	// text untouched.
	ClearControls(ctx context.Context, userID, unitID string) error

	// Notify sends a standalone plain message outside any generation.
	Notify(ctx context.Context, userID, text string) error
}

// ErrUnitNotEditable marks an output unit that cannot be edited anymore.
// Channel implementations wrap or return it for "message not found" class
// failures so the relay can recreate a unit instead of aborting.
var ErrUnitNotEditable = errors.New("output unit is not editable")

// RetryAfterError is a channel backpressure signal. The relay suspends for
// After (plus a small safety margin) and retries with the same content.
type RetryAfterError struct {
	After time.Duration
}

// Error implements the error interface.
func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("channel demands backoff of %s", e.After)
}
