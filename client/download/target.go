package download

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FallbackName is used when the URL carries no usable file name.
const FallbackName = "download"

// FilenameFromURL returns the last path segment of rawURL with any query
// string removed, or FallbackName if that segment is empty.
func FilenameFromURL(rawURL string) string {
	p, _, _ := strings.Cut(rawURL, "?")
	p, _, _ = strings.Cut(p, "#")

	name := p[strings.LastIndex(p, "/")+1:]
	if name == "" {
		return FallbackName
	}

	return name
}

// ResolveTarget returns target, or a name derived from rawURL if target is empty.
func ResolveTarget(rawURL, target string) string {
	if target != "" {
		return target
	}

	return FilenameFromURL(rawURL)
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	return nil
}

// sizeOnDisk returns the size of path, or zero if it does not exist.
func sizeOnDisk(path string) (int64, bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat %s: %w", path, err)
	}

	return fi.Size(), true, nil
}

// contentRangeStart parses the first byte offset of a Content-Range header
// ("bytes start-end/total").
func contentRangeStart(header string) (int64, error) {
	v, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	start, _, ok := strings.Cut(v, "-")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	n, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range start: %w", err)
	}

	return n, nil
}
