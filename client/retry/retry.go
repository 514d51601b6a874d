// Package retry holds the retry and backoff policy shared by the protocol
// poll loops and the resumable downloader.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Floor is the smallest delay NextDelay will produce, before the ceiling is applied.
const Floor = time.Second

const multiplier = 1.5

// IsRetriableStatus reports whether an HTTP status code is worth another attempt.
func IsRetriableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// IsRetriableErr reports whether a transport-level failure (no status code)
// is a connection or timeout condition. Cancellation of the caller's own
// context is never retriable.
func IsRetriableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// NextDelay returns min(ceiling, max(Floor, current*1.5)).
func NextDelay(current, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next < Floor {
		next = Floor
	}
	if next > ceiling {
		next = ceiling
	}

	return next
}

// Initial returns the first delay of a loop: the Floor, capped at ceiling.
func Initial(ceiling time.Duration) time.Duration {
	return min(Floor, ceiling)
}

// Sleep blocks for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// IsRetriable classifies err: errors carrying a status code are judged by
// IsRetriableStatus, everything else by IsRetriableErr.
func IsRetriable(err error) bool {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsRetriableStatus(sc.HTTPStatus())
	}

	return IsRetriableErr(err)
}
