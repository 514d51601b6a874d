package download

import (
	"errors"
	"hash"
	"time"
)

const (
	defaultMaxAttempts = 500
	defaultSleepMax    = 120 * time.Second
	defaultChunkSize   = 64 << 10
)

// Option defines optional settings for Handle.
//
// WithChecksum validates the completed file against a hex digest.
// WithProgress enables progress logging at most once per second.
// WithSink forwards every chunk's progress to fn.
// WithSkipComplete returns early when the target already holds the
// expected number of bytes.
// WithMaxAttempts and WithSleepMax bound the retry loop.
// WithChunkSize sets the copy buffer size.
type Option func(*options) error

type options struct {
	checksum     *checksumVerifier
	progress     bool
	sink         Sink
	skipComplete bool
	maxAttempts  int
	sleepMax     time.Duration
	chunkSize    int
}

func defaultOptions() options {
	return options{
		maxAttempts: defaultMaxAttempts,
		sleepMax:    defaultSleepMax,
		chunkSize:   defaultChunkSize,
	}
}

func WithChecksum(h hash.Hash, expected string) Option {
	return func(opts *options) error {
		if h == nil {
			return errors.New("hash must not be nil")
		}

		if expected == "" {
			return errors.New("expected checksum must not be empty")
		}

		opts.checksum = &checksumVerifier{hash: h, expected: expected}
		return nil
	}
}

func WithProgress(enabled bool) Option {
	return func(opts *options) error {
		opts.progress = enabled
		return nil
	}
}

func WithSink(fn Sink) Option {
	return func(opts *options) error {
		opts.sink = fn
		return nil
	}
}

func WithSkipComplete() Option {
	return func(opts *options) error {
		opts.skipComplete = true
		return nil
	}
}

func WithMaxAttempts(n int) Option {
	return func(opts *options) error {
		if n <= 0 {
			return errors.New("max attempts must be greater than zero")
		}
		opts.maxAttempts = n
		return nil
	}
}

func WithSleepMax(d time.Duration) Option {
	return func(opts *options) error {
		if d < 0 {
			return errors.New("sleep max must not be negative")
		}
		opts.sleepMax = d
		return nil
	}
}

func WithChunkSize(n int) Option {
	return func(opts *options) error {
		if n <= 0 {
			return errors.New("chunk size must be greater than zero")
		}
		opts.chunkSize = n
		return nil
	}
}
