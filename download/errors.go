package download

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-products/fetcher"
)

// Kind classifies a failed download attempt.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindTimeout
	KindDisk
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// DownloadError reports a failed attempt to fetch or store an image.
type DownloadError struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("download %s: http status %d", e.URL, e.StatusCode)
	case e.URL != "":
		return fmt.Sprintf("download %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *DownloadError) Retryable() bool {
	return e.Kind != KindDisk
}

// DecodeError reports an inline image whose payload is not valid base64.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode inline image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func asDownloadError(rawURL string, err error) *DownloadError {
	var dlErr *DownloadError
	if errors.As(err, &dlErr) {
		if dlErr.URL == "" {
			dlErr.URL = rawURL
		}
		return dlErr
	}

	var fetchErr *fetcher.FetchError
	if !errors.As(fetcher.ClassifyError(rawURL, err, 0), &fetchErr) {
		return &DownloadError{Kind: KindNetwork, URL: rawURL, Err: err}
	}
	out := &DownloadError{Kind: KindNetwork, URL: rawURL, StatusCode: fetchErr.StatusCode, Err: err}
	if fetchErr.Kind == fetcher.KindTimeout {
		out.Kind = KindTimeout
	}
	return out
}
