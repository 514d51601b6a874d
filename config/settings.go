package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the optional tuning file. Zero values mean "keep the client default".
type Settings struct {
	URL               string        `yaml:"url" validate:"omitempty,url"`
	Key               string        `yaml:"key"`
	Verify            *bool         `yaml:"verify"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	RetryMax          int           `yaml:"retry_max" validate:"gte=0"`
	SleepMax          time.Duration `yaml:"sleep_max" validate:"gte=0"`
	WaitUntilComplete *bool         `yaml:"wait_until_complete"`
	Progress          *bool         `yaml:"progress"`
	UserAgent         string        `yaml:"user_agent"`
	Throttle          *Throttle     `yaml:"throttle"`
}

// Throttle bounds the request rate sent to the backend.
type Throttle struct {
	RPS   int `yaml:"rps" validate:"gt=0"`
	Burst int `yaml:"burst" validate:"gt=0"`
}

// yamlSettings is used for YAML unmarshaling with string durations.
type yamlSettings struct {
	URL               string    `yaml:"url"`
	Key               string    `yaml:"key"`
	Verify            *bool     `yaml:"verify"`
	Timeout           string    `yaml:"timeout"`
	RetryMax          int       `yaml:"retry_max"`
	SleepMax          string    `yaml:"sleep_max"`
	WaitUntilComplete *bool     `yaml:"wait_until_complete"`
	Progress          *bool     `yaml:"progress"`
	UserAgent         string    `yaml:"user_agent"`
	Throttle          *Throttle `yaml:"throttle"`
}

// LoadFromFile loads and validates settings from a YAML file.
func LoadFromFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	var ys yamlSettings
	if err := yaml.Unmarshal(data, &ys); err != nil {
		return Settings{}, fmt.Errorf("parse settings file: %w", err)
	}

	s := Settings{
		URL:               ys.URL,
		Key:               ys.Key,
		Verify:            ys.Verify,
		RetryMax:          ys.RetryMax,
		WaitUntilComplete: ys.WaitUntilComplete,
		Progress:          ys.Progress,
		UserAgent:         ys.UserAgent,
		Throttle:          ys.Throttle,
	}

	if ys.Timeout != "" {
		if s.Timeout, err = time.ParseDuration(ys.Timeout); err != nil {
			return Settings{}, fmt.Errorf("parse timeout: %w", err)
		}
	}
	if ys.SleepMax != "" {
		if s.SleepMax, err = time.ParseDuration(ys.SleepMax); err != nil {
			return Settings{}, fmt.Errorf("parse sleep_max: %w", err)
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("validate settings file: %w", err)
	}

	return s, nil
}

// Validate checks field ranges and, when set, the URL format and throttle limits.
func (s Settings) Validate() error {
	return check(s)
}
