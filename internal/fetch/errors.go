package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a download failure.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindTimeout      Kind = "timeout"
	KindServerError  Kind = "server_error"
	KindSizeMismatch Kind = "size_mismatch"
)

// Error is returned by Fetch when the archive could not be retrieved.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int // Set for KindServerError.
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: %s: HTTP %d", e.URL, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether another attempt may succeed. Timeouts, connection
// failures, truncated bodies, 5xx and 429 responses are transient.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindSizeMismatch:
		return true
	case KindServerError:
		return e.StatusCode >= 500 || e.StatusCode == 429
	}
	return false
}

// classify maps a transport or body read error onto a Kind.
func classify(url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, URL: url, Err: err}
	}
	// Connection resets, refused dials and DNS failures all land here.
	return &Error{Kind: KindNetwork, URL: url, Err: err}
}
