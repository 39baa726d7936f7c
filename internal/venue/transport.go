package venue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/predictops/bookwatch/errs"
)

const maxErrorBody = 512

// NewHTTPClient builds an http.Client with its own transport so each fetch
// session keeps an isolated connection pool.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Get performs an HTTP GET and maps transport and status failures onto the
// shared error taxonomy.
func Get(ctx context.Context, client *http.Client, venueName, rawURL string, params url.Values) ([]byte, error) {
	target := rawURL
	if len(params) > 0 {
		target = rawURL + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs.New(venueName, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(venueName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(venueName, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(venueName, resp.StatusCode, body)
	}
	return body, nil
}

func classifyStatus(venueName string, status int, body []byte) error {
	msg := fmt.Sprintf("status %d: %s", status, truncate(body, maxErrorBody))
	switch {
	case status == http.StatusTooManyRequests:
		return errs.New(venueName, errs.CodeRateLimited, errs.WithHTTP(status), errs.WithMessage(msg))
	case status >= 500:
		return errs.New(venueName, errs.CodeHTTP5xx, errs.WithHTTP(status), errs.WithMessage(msg))
	case status >= 400:
		return errs.New(venueName, errs.CodeHTTP4xx, errs.WithHTTP(status), errs.WithMessage(msg))
	default:
		return errs.New(venueName, errs.CodeNetwork, errs.WithHTTP(status), errs.WithMessage(msg))
	}
}

func classifyTransportErr(venueName string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.New(venueName, errs.CodeTimeout, errs.WithCause(err))
	case errors.As(err, &netErr) && netErr.Timeout():
		return errs.New(venueName, errs.CodeTimeout, errs.WithCause(err))
	default:
		return errs.New(venueName, errs.CodeNetwork, errs.WithCause(err))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
