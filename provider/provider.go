package provider

import (
	"context"
	"fmt"

	"github.com/chatrelay/chatrelay/core"
)

// Request captures the normalized generation input.
type Request struct {
	// Instruction is the system prompt prepended to the conversation.
	Instruction string `json:"instruction"`
	// History holds the conversation turns oldest first, ending with the
	// turn being answered.
	History []core.Turn `json:"history"`
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name           string `json:"name"`
	Vendor         string `json:"vendor"` // "openai", "anthropic", "mock", etc.
	SupportsVision bool   `json:"supports_vision"`
}

// Provider is the minimal interface the engine needs to drive generation.
//
// Stream starts one generation and returns a fragment channel and an error
// channel. Fragments arrive in answer order; both channels are closed by
// the provider when the stream terminates for any reason.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan string, <-chan error)

	// Info returns information about the provider implementation.
	Info() Info
}

// LastUserText returns the text of the most recent user turn in a request,
// the key mock providers answer by.
func LastUserText(req Request) string {
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == core.RoleUser {
			return req.History[i].Text()
		}
	}
	return ""
}

// Mock is a deterministic in-memory Provider for tests and examples.
type Mock struct {
	info      Info
	responses map[string]string
	chunkSize int
	failWith  error
}

// NewMock constructs a mock provider emitting responses in chunks of
// chunkSize runes.
func NewMock(name string, chunkSize int) *Mock {
	if chunkSize <= 0 {
		chunkSize = 8
	}
	return &Mock{
		info:      Info{Name: name, Vendor: "mock", SupportsVision: true},
		responses: make(map[string]string),
		chunkSize: chunkSize,
	}
}

// AddResponse registers a canned answer for an input prompt.
func (m *Mock) AddResponse(prompt, response string) { m.responses[prompt] = response }

// FailWith makes every later Stream call fail before emitting fragments.
func (m *Mock) FailWith(err error) { m.failWith = err }

// Stream implements Provider.
func (m *Mock) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if m.failWith != nil {
			errCh <- m.failWith
			return
		}

		prompt := LastUserText(req)
		full, ok := m.responses[prompt]
		if !ok {
			full = fmt.Sprintf("Mock response to: %s", prompt)
		}

		runes := []rune(full)
		for start := 0; start < len(runes); start += m.chunkSize {
			end := start + m.chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- string(runes[start:end]):
			}
		}
	}()
	return out, errCh
}

// Info implements Provider.
func (m *Mock) Info() Info { return m.info }
