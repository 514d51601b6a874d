package download

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// checksumVerifier validates the completed target. A resumed transfer only
// streams the tail of the file, so the digest is computed from disk.
type checksumVerifier struct {
	hash     hash.Hash
	expected string
}

func (v *checksumVerifier) VerifyFile(path string) error {
	if v == nil {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file for checksum: %w", err)
	}
	defer f.Close()

	v.hash.Reset()
	if _, err := io.Copy(v.hash, f); err != nil {
		return fmt.Errorf("hashing file: %w", err)
	}

	actual := hex.EncodeToString(v.hash.Sum(nil))
	if actual != v.expected {
		return &Error{
			Err:    ErrChecksumMismatch,
			Detail: fmt.Sprintf("expected %s, got %s", v.expected, actual),
		}
	}

	return nil
}
