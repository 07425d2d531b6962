package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failed request.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindTimeout
	KindHTTPStatus
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	default:
		return "unknown"
	}
}

// FetchError reports a request that did not produce a usable response.
type FetchError struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClassifyError maps a transport error or a non-2xx status to a
// *FetchError. It returns nil when there is nothing to report.
func ClassifyError(rawURL string, err error, statusCode int) error {
	if err == nil && (statusCode == 0 || (statusCode >= 200 && statusCode < 300)) {
		return nil
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}

	if statusCode != 0 && (statusCode < 200 || statusCode >= 300) {
		if err == nil {
			err = errors.New(http.StatusText(statusCode))
		}
		return &FetchError{Kind: KindHTTPStatus, URL: rawURL, StatusCode: statusCode, Err: err}
	}

	return &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
}

// ErrorKindLabel returns a metric label for err.
func ErrorKindLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		return "other"
	}
	if fetchErr.Kind != KindHTTPStatus {
		return fetchErr.Kind.String()
	}
	switch fetchErr.StatusCode {
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	return fetchErr.Kind.String()
}
