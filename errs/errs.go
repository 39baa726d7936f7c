// Package errs provides structured error types shared across the Bookwatch
// data plane.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category used for backoff, AIMD and telemetry
// classification.
type Code string

const (
	// CodeRateLimited indicates an HTTP 429 from the venue.
	CodeRateLimited Code = "rate_limited"
	// CodeHTTP4xx indicates a non-429 client error from the venue.
	CodeHTTP4xx Code = "http_4xx"
	// CodeHTTP5xx indicates a venue-side server error.
	CodeHTTP5xx Code = "http_5xx"
	// CodeTimeout indicates the per-request deadline elapsed.
	CodeTimeout Code = "timeout"
	// CodeNetwork indicates a transport-level failure.
	CodeNetwork Code = "network"
	// CodeParse indicates an unparseable payload or failed normalization.
	CodeParse Code = "parse"
	// CodeDiscovery indicates a venue discovery cycle failure.
	CodeDiscovery Code = "discovery"
	// CodeSnapshotMissing indicates the snapshot file does not exist yet.
	CodeSnapshotMissing Code = "snapshot_missing"
	// CodeSnapshotCorrupt indicates the snapshot file failed to parse.
	CodeSnapshotCorrupt Code = "snapshot_corrupt"
	// CodeWrite indicates a log writer failure.
	CodeWrite Code = "write"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates a component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the data plane.
type E struct {
	Venue      string
	Code       Code
	HTTP       int
	Instrument string
	Message    string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:      strings.TrimSpace(venue),
		Code:       code,
		HTTP:       0,
		Instrument: "",
		Message:    "",
		cause:      nil,
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

// WithInstrument records the instrument key the failure relates to.
func WithInstrument(key string) Option {
	trimmed := strings.TrimSpace(key)
	return func(e *E) {
		e.Instrument = trimmed
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

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Instrument != "" {
		parts = append(parts, "instrument="+e.Instrument)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the failure category from err, returning CodeNetwork when
// the error carries no envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil && e.Code != "" {
		return e.Code
	}
	return CodeNetwork
}

// HTTPStatus extracts the HTTP status from err, or 0 when absent.
func HTTPStatus(err error) int {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.HTTP
	}
	return 0
}

// IsRateLimited reports whether err represents an HTTP 429.
func IsRateLimited(err error) bool {
	return CodeOf(err) == CodeRateLimited
}
