package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// RC holds the values read from an rc file. Unset fields are empty or nil.
type RC struct {
	URL    string
	Key    string
	Verify *bool
}

// ReadRC parses the rc file at path.
func ReadRC(path string) (RC, error) {
	f, err := os.Open(path)
	if err != nil {
		return RC{}, err
	}
	defer f.Close()

	return ParseRC(f)
}

// ParseRC reads "name: value" lines. Blank lines and lines starting with #
// are skipped, surrounding quotes are stripped, and a url or key with an
// empty value takes its value from the next line when that line has no
// colon. Unknown names are ignored. "verify: 0" disables verification.
func ParseRC(r io.Reader) (RC, error) {
	var (
		rc      RC
		pending string
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if pending != "" {
			name := pending
			pending = ""
			if !strings.Contains(line, ":") {
				rc.set(name, stripQuotes(line))
				continue
			}
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = stripQuotes(value)

		switch name {
		case "url", "key":
			if value == "" {
				pending = name
				continue
			}
			rc.set(name, value)
		case "verify":
			if value != "" {
				v := value != "0"
				rc.Verify = &v
			}
		}
	}
	if err := sc.Err(); err != nil {
		return RC{}, fmt.Errorf("scanning rc: %w", err)
	}

	return rc, nil
}

func (rc *RC) set(name, value string) {
	switch name {
	case "url":
		rc.URL = value
	case "key":
		rc.Key = value
	}
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
