package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/adamwoolhether/cdsapi/client/retry"
)

// Fetcher issues the GET for one download attempt, asking for bytes from
// offset onward when offset is positive. Implementations retry retriable
// statuses and transport failures themselves, spending budget, and return an
// error for any non-success status.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, offset int64, budget *retry.Budget) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, rawURL string, offset int64, budget *retry.Budget) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string, offset int64, budget *retry.Budget) (*http.Response, error) {
	return f(ctx, rawURL, offset, budget)
}

// Handle downloads file to target and returns the final path. An empty
// target is derived from the file's URL. A shorter existing target is
// resumed with a byte-range request; otherwise it is truncated.
//
// The loop ends successfully only once the on-disk size reaches
// file.ContentLength, and fails with an *IncompleteError when the attempt
// budget runs out first.
func Handle(ctx context.Context, fetcher Fetcher, file RemoteFile, target string, logger *slog.Logger, optFns ...Option) (string, error) {
	opts := defaultOptions()
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return "", fmt.Errorf("applying option: %w", err)
		}
	}

	target = ResolveTarget(file.Location, target)
	if err := ensureParent(target); err != nil {
		return "", err
	}

	size, exists, err := sizeOnDisk(target)
	if err != nil {
		return "", err
	}

	if opts.skipComplete && exists && size == file.ContentLength {
		logger.Info("skipping complete file", "path", target, "size", size)
		return target, opts.checksum.VerifyFile(target)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	resuming := exists && size > 0 && size < file.ContentLength
	if !resuming {
		flags |= os.O_TRUNC
		size = 0
	}

	f, err := os.OpenFile(target, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", target, err)
	}
	defer func() {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Error("defer closing target file", "error", err)
		}
	}()

	if resuming {
		logger.Info("resuming download", "path", target, "offset", size, "total", file.ContentLength)
	}

	t := transfer{
		fetcher: fetcher,
		file:    file,
		path:    target,
		out:     f,
		logger:  logger,
		opts:    opts,
		pw: &progressWriter{
			w:         f,
			logger:    logger,
			log:       opts.progress,
			sink:      opts.sink,
			state:     Progress{Done: size, Total: file.ContentLength},
			startTime: time.Now(),
		},
	}

	if err := t.run(ctx, size); err != nil {
		return "", err
	}

	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("syncing %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", target, err)
	}

	if err := opts.checksum.VerifyFile(target); err != nil {
		return "", err
	}

	return target, nil
}

// transfer holds the state of one Handle call.
type transfer struct {
	fetcher Fetcher
	file    RemoteFile
	path    string
	out     *os.File
	logger  *slog.Logger
	opts    options
	pw      *progressWriter
}

// result of a single HTTP attempt. cause carries the retriable failure that
// interrupted the stream, if any.
type result struct {
	eof   bool
	cause error
}

func (t *transfer) run(ctx context.Context, offset int64) error {
	budget := retry.NewBudget(t.opts.maxAttempts)
	delay := retry.Initial(t.opts.sleepMax)

	for {
		res, err := t.attempt(ctx, offset, budget)
		if err != nil {
			return err
		}
		cause := res.cause

		// Disk is the source of truth for how many bytes actually landed.
		size, _, err := sizeOnDisk(t.path)
		if err != nil {
			return err
		}

		if res.eof {
			if size >= t.file.ContentLength {
				t.pw.Finish()
				return nil
			}
			cause = &Error{
				Err:    io.ErrUnexpectedEOF,
				Detail: fmt.Sprintf("stream ended at %d of %d bytes", size, t.file.ContentLength),
			}
		}

		if !budget.Fail() {
			return &IncompleteError{Downloaded: size, Expected: t.file.ContentLength, Err: cause}
		}

		offset = size
		t.pw.Set(size)

		t.logger.Warn("download interrupted, retrying",
			"offset", offset, "total", t.file.ContentLength,
			"attempt", budget.Failures, "delay", delay.String(), "error", cause)

		if err := retry.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", ErrDownloadCancelled, err)
		}
		delay = retry.NextDelay(delay, t.opts.sleepMax)
	}
}

// attempt issues one GET and streams its body. A non-nil error is fatal.
func (t *transfer) attempt(ctx context.Context, offset int64, budget *retry.Budget) (result, error) {
	resp, err := t.fetcher.Fetch(ctx, t.file.Location, offset, budget)
	if err != nil {
		if ctx.Err() != nil {
			return result{}, fmt.Errorf("%w: %w", ErrDownloadCancelled, err)
		}
		if !retry.IsRetriable(err) {
			return result{}, err
		}
		return result{cause: err}, nil
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && resp.StatusCode == http.StatusOK:
		// Range ignored: the body restarts at byte 0.
		t.logger.Warn("server ignored range request, restarting from zero", "offset", offset)
		if err := t.out.Truncate(0); err != nil {
			return result{}, fmt.Errorf("truncating %s: %w", t.path, err)
		}
		t.pw.Set(0)

	case resp.StatusCode == http.StatusPartialContent:
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			start, err := contentRangeStart(cr)
			if err != nil {
				return result{}, &Error{Err: ErrRangeMismatch, Detail: err.Error()}
			}
			if start != offset {
				return result{}, &Error{
					Err:    ErrRangeMismatch,
					Detail: fmt.Sprintf("requested offset %d, server returned %d", offset, start),
				}
			}
		}
	}

	buf := make([]byte, t.opts.chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := t.pw.Write(buf[:n]); err != nil {
				return result{}, fmt.Errorf("writing %s: %w", t.path, err)
			}
		}

		if errors.Is(rerr, io.EOF) {
			return result{eof: true}, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return result{}, fmt.Errorf("%w: %w", ErrDownloadCancelled, ctx.Err())
			}
			return result{cause: rerr}, nil
		}
	}
}
