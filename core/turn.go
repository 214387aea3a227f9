package core

import (
	"strings"

	"github.com/google/uuid"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string // Plain UTF-8 text
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// ImagePart references an image by URL. The URL may be an http(s) location
// or a base64 data URI produced by the media package.
type ImagePart struct {
	URL string
}

// isPart implements the Part interface for ImagePart.
func (ImagePart) isPart() {}

// Turn is one role-tagged entry of a conversation: a user message, an
// assistant answer or a system instruction. Parts preserve their original
// order; most turns carry a single TextPart.
type Turn struct {
	Role  string `json:"role"` // "user", "assistant" or "system"
	Parts []Part `json:"parts"`
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// NewTextTurn builds a single-text-part turn.
func NewTextTurn(role, text string) Turn {
	return Turn{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text returns the concatenation of all text parts preserving order.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// HasImage reports whether the turn carries at least one image part.
func (t Turn) HasImage() bool {
	for _, p := range t.Parts {
		if _, ok := p.(ImagePart); ok {
			return true
		}
	}
	return false
}

// NewID generates a new unique identifier for generations and units.
func NewID() string { return uuid.NewString() }
