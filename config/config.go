package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvURL = "CDSAPI_URL"
	EnvKey = "CDSAPI_KEY"
	EnvRC  = "CDSAPI_RC"

	rcName = ".cdsapirc"
)

// ErrMissing is returned when the URL or key cannot be resolved from any source.
var ErrMissing = errors.New("missing configuration")

// Config is the resolved {url, key, verify} triple a client is built from.
type Config struct {
	URL    string `yaml:"url" validate:"required,url"`
	Key    string `yaml:"key" validate:"required"`
	Verify bool   `yaml:"verify"`
}

// MissingError names the fields that could not be resolved and the rc files
// that were searched for them.
type MissingError struct {
	Fields   FieldErrors
	Searched []string
}

func (e *MissingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %v", ErrMissing, e.Fields)
	if len(e.Searched) > 0 {
		fmt.Fprintf(&b, " (set %s/%s or add the field to one of: %s)", EnvURL, EnvKey, strings.Join(e.Searched, ", "))
	} else {
		fmt.Fprintf(&b, " (set %s/%s or create %s)", EnvURL, EnvKey, rcName)
	}
	return b.String()
}

func (e *MissingError) Unwrap() error {
	return ErrMissing
}

// Resolve returns the configuration to use. Empty url or key, and a nil
// verify, fall back to the environment and then to the first rc file found.
// Verification defaults to enabled.
func Resolve(url, key string, verify *bool) (Config, error) {
	if url == "" {
		url = os.Getenv(EnvURL)
	}
	if key == "" {
		key = os.Getenv(EnvKey)
	}

	candidates := Candidates()

	var fileVerify *bool
	if url == "" || key == "" || verify == nil {
		for _, path := range candidates {
			if _, err := os.Stat(path); err != nil {
				continue
			}

			rc, err := ReadRC(path)
			if err != nil {
				return Config{}, fmt.Errorf("reading configuration file %s: %w", path, err)
			}
			if url == "" {
				url = rc.URL
			}
			if key == "" {
				key = rc.Key
			}
			fileVerify = rc.Verify
			break
		}
	}

	cfg := Config{URL: url, Key: key, Verify: true}
	switch {
	case verify != nil:
		cfg.Verify = *verify
	case fileVerify != nil:
		cfg.Verify = *fileVerify
	}

	if err := cfg.Validate(); err != nil {
		var fields FieldErrors
		if errors.As(err, &fields) {
			return Config{}, &MissingError{Fields: fields, Searched: candidates}
		}
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that both url and key are present and that url is absolute.
func (c Config) Validate() error {
	return check(c)
}

// Candidates lists the rc files searched, in order. CDSAPI_RC, when set,
// is the only candidate.
func Candidates() []string {
	if p := os.Getenv(EnvRC); p != "" {
		return []string{p}
	}

	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, rcName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, rcName))
	}
	return paths
}
