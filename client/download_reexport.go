package client

import (
	"hash"

	"github.com/adamwoolhether/cdsapi/client/download"
)

// ————————————————————————————————————————————————————————————————————
// Type aliases – re-export user-facing types from [download].
// ————————————————————————————————————————————————————————————————————

type (
	// RemoteFile is the resolved artifact of a retrieval.
	RemoteFile = download.RemoteFile

	// Progress is the byte counter passed to a progress sink.
	Progress = download.Progress

	// DownloadOption configures the download step.
	DownloadOption = download.Option

	// IncompleteError reports a download that ran out of attempts.
	IncompleteError = download.IncompleteError
)

// ————————————————————————————————————————————————————————————————————
// Sentinel errors
// ————————————————————————————————————————————————————————————————————

var (
	// ErrTransferIncomplete indicates the attempt budget ran out before the file was complete.
	ErrTransferIncomplete = download.ErrTransferIncomplete

	// ErrRangeMismatch indicates a partial response that did not start at the requested offset.
	ErrRangeMismatch = download.ErrRangeMismatch

	// ErrChecksumMismatch indicates the file checksum did not match the expected value.
	ErrChecksumMismatch = download.ErrChecksumMismatch

	// ErrDownloadCancelled indicates the download was cancelled via context.
	ErrDownloadCancelled = download.ErrDownloadCancelled
)

// ————————————————————————————————————————————————————————————————————
// Download option forwarding functions
// ————————————————————————————————————————————————————————————————————

// WithChecksum enables checksum validation of the downloaded file.
// h is a [hash.Hash] instance (e.g. sha256.New()), and expected is the
// hex-encoded expected checksum string.
func WithChecksum(h hash.Hash, expected string) DownloadOption {
	return download.WithChecksum(h, expected)
}

// WithSkipComplete returns without downloading when the target already
// holds exactly the expected number of bytes.
func WithSkipComplete() DownloadOption { return download.WithSkipComplete() }
