// Package errs provides structured error types shared across the trading engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category from the engine's taxonomy.
type Code string

const (
	// CodeMalformed indicates an unparseable tick or frame from the feed.
	CodeMalformed Code = "malformed_input"
	// CodeStale indicates a duplicate or out-of-order event.
	CodeStale Code = "stale_event"
	// CodeInvalidTransition indicates an order state machine violation.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeInvalid indicates invalid request parameters supplied by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExternal indicates a broker or feed I/O failure.
	CodeExternal Code = "external"
	// CodeTimeout indicates a broker call exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeNotFound indicates a missing order or instrument.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates a component is shut down or saturated.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the engine.
type E struct {
	Scope   string
	Code    Code
	Message string
	HTTP    int
	RawCode string
	RawMsg  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope: strings.TrimSpace(scope),
		Code:  code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw broker error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw broker error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the engine error code from err, unwrapping as needed.
// Errors outside the taxonomy report CodeExternal.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return CodeExternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code == code
	}
	return false
}
