package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks structural config problems that should reject a reload.
//
// Individual condition/substitution rules are NOT validated here: a malformed
// rule is skipped (and logged) at compile time so one bad rule cannot block an
// otherwise good config. See internal/rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if _, err := ParseDurationField("speech.engine.timeout", cfg.Speech.Engine.Timeout); err != nil {
		return err
	}
	if cfg.Speech.QueueSize < 0 {
		return fmt.Errorf("speech.queue_size must be >= 0")
	}
	if cfg.Speech.MaxUtteranceLen < 0 {
		return fmt.Errorf("speech.max_utterance_len must be >= 0")
	}

	if f := cfg.Rules.Flood; f != nil {
		if f.Events <= 0 {
			return fmt.Errorf("rules.flood.events must be > 0")
		}
		if _, err := ParseDurationField("rules.flood.per", f.Per); err != nil {
			return err
		}
		if strings.TrimSpace(f.Per) == "" {
			return fmt.Errorf("rules.flood.per is required")
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if cfg.Source.DBus.QueueSize < 0 {
		return fmt.Errorf("source.dbus.queue_size must be >= 0")
	}

	return nil
}

// ParseDurationField parses a Go duration string from the config. Empty means
// "unset" and yields zero; negative durations are rejected. path names the
// field in the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a default for unset
// fields.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
