package download

import (
	"errors"
	"fmt"
)

var (
	ErrTransferIncomplete = errors.New("transfer incomplete")
	ErrRangeMismatch      = errors.New("range mismatch")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrDownloadCancelled  = errors.New("download cancelled")
)

// RemoteFile describes a resolved artifact ready for download.
// ContentLength is the authoritative expected byte count.
type RemoteFile struct {
	Location      string
	ContentLength int64
	ContentType   string
}

// Progress is the transient byte counter of one transfer.
type Progress struct {
	Done  int64
	Total int64
}

// Sink receives progress updates.
type Sink func(Progress)

type Error struct {
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IncompleteError is returned when the attempt budget runs out before the
// target holds the expected number of bytes. Err is the last failure seen.
type IncompleteError struct {
	Downloaded int64
	Expected   int64
	Err        error
}

func (e *IncompleteError) Error() string {
	msg := fmt.Sprintf("%v: downloaded %d byte(s) out of %d", ErrTransferIncomplete, e.Downloaded, e.Expected)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *IncompleteError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransferIncomplete}
	}

	return []error{ErrTransferIncomplete, e.Err}
}
