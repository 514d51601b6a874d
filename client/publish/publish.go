package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

var (
	// ErrEmptyKey is returned when no object key can be derived.
	ErrEmptyKey = errors.New("object key must not be empty")
	// ErrSizeMismatch is returned when the stored object does not have the
	// size of the source file.
	ErrSizeMismatch = errors.New("stored object size mismatch")
)

// Target names the destination of a published file. An empty Key uses the
// base name of the source file, prefixed by Prefix.
type Target struct {
	Bucket      *blob.Bucket
	Prefix      string
	Key         string
	ContentType string
	// SkipExisting leaves an object of the same size untouched.
	SkipExisting bool
}

// Open opens the bucket at bucketURL, e.g. "file:///data/era5" or "mem://".
func Open(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %q: %w", bucketURL, err)
	}
	return bkt, nil
}

// Upload copies the file at path to t and returns the object key. The
// write is aborted, leaving no partial object, when the copy fails.
func Upload(ctx context.Context, logger *slog.Logger, t Target, path string) (string, error) {
	key := t.Key
	if key == "" {
		key = filepath.Base(path)
		if key == "." || key == string(filepath.Separator) {
			return "", ErrEmptyKey
		}
	}
	key = t.Prefix + key

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	if t.SkipExisting {
		attrs, err := t.Bucket.Attributes(ctx, key)
		switch {
		case err == nil && attrs.Size == info.Size():
			logger.Info("object already published", "key", key, "size", attrs.Size)
			return key, nil
		case err != nil && gcerrors.Code(err) != gcerrors.NotFound:
			return "", fmt.Errorf("reading attributes of %s: %w", key, err)
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := t.Bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: t.ContentType})
	if err != nil {
		return "", fmt.Errorf("creating writer for %s: %w", key, err)
	}

	n, err := io.Copy(w, f)
	if err != nil {
		cancel()
		w.Close()
		return "", fmt.Errorf("writing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", key, err)
	}

	attrs, err := t.Bucket.Attributes(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reading attributes of %s: %w", key, err)
	}
	if attrs.Size != n {
		return "", fmt.Errorf("%w: %s has %d bytes, wrote %d", ErrSizeMismatch, key, attrs.Size, n)
	}

	logger.Info("published", "key", key, "size", n)
	return key, nil
}
