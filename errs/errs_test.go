package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorRendering(t *testing.T) {
	err := New("polymarket", CodeHTTP5xx,
		WithHTTP(503),
		WithInstrument("polymarket:tok-1"),
		WithMessage("bad gateway"),
	)
	msg := err.Error()
	for _, want := range []string{"venue=polymarket", "code=http_5xx", "http=503", "instrument=polymarket:tok-1", `"bad gateway"`} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"envelope", New("limitless", CodeRateLimited), CodeRateLimited},
		{"wrapped envelope", fmt.Errorf("fetch: %w", New("limitless", CodeTimeout)), CodeTimeout},
		{"plain error", errors.New("boom"), CodeNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("limitless", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(New("v", CodeHTTP4xx, WithHTTP(404))); got != 404 {
		t.Errorf("HTTPStatus() = %d, want 404", got)
	}
	if got := HTTPStatus(errors.New("x")); got != 0 {
		t.Errorf("HTTPStatus() = %d, want 0", got)
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(New("v", CodeRateLimited, WithHTTP(429))) {
		t.Error("expected rate limited")
	}
	if IsRateLimited(New("v", CodeHTTP5xx)) {
		t.Error("did not expect rate limited")
	}
}
