// Package fault defines the error taxonomy shared by all ingestor layers.
// Kinds drive behavior: Transient errors are retried, Upstream errors trigger
// rule fallback in extractors, Corruption fails the current item only, and
// Fatal terminates the batch.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and isolation decisions.
type Kind string

const (
	// Validation marks bad caller input. Never retried.
	Validation Kind = "validation"

	// NotFound marks a missing row or file. Non-fatal at batch level.
	NotFound Kind = "not_found"

	// Conflict marks a unique-constraint violation. Callers usually resolve
	// to the existing row.
	Conflict Kind = "conflict"

	// Transient marks network, timeout, and busy-database errors. Retried.
	Transient Kind = "transient"

	// Upstream marks an AI back-end failure. Extractors fall back to rules.
	Upstream Kind = "upstream"

	// Corruption marks malformed AI responses or bad chunk math. Fatal for
	// the current item; the batch continues under continueOnError.
	Corruption Kind = "corruption"

	// Fatal marks storage corruption or schema failures. The batch stops.
	Fatal Kind = "fatal"
)

// Error is a kind-tagged error with optional batch-item and content context.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	ItemID    string
	ContentID int64
}

// New returns an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf returns an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error carrying err as its cause. A nil err returns nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// WithItem returns a copy tagged with a batch item id.
func (e *Error) WithItem(id string) *Error {
	c := *e
	c.ItemID = id
	return &c
}

// WithContent returns a copy tagged with a content id.
func (e *Error) WithContent(id int64) *Error {
	c := *e
	c.ContentID = id
	return &c
}

type errContext struct {
	ItemID    string `json:"itemId,omitempty"`
	ContentID int64  `json:"contentId,omitempty"`
}

type errJSON struct {
	Kind    Kind        `json:"kind"`
	Message string      `json:"message"`
	Cause   string      `json:"cause,omitempty"`
	Context *errContext `json:"context,omitempty"`
}

// MarshalJSON encodes the error as {kind, message, cause?, context?}.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := errJSON{Kind: e.Kind, Message: e.Message}
	if e.Cause != nil {
		out.Cause = e.Cause.Error()
	}
	if e.ItemID != "" || e.ContentID != 0 {
		out.Context = &errContext{ItemID: e.ItemID, ContentID: e.ContentID}
	}
	return json.Marshal(out)
}

// KindOf reports the kind of err, unwrapping as needed. Errors that carry no
// kind report the empty string.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retriable reports whether err should be retried.
func Retriable(err error) bool {
	return KindOf(err) == Transient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
