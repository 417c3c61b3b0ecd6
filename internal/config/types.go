package config

import (
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that decodes from "90s" style strings. A
// bare integer is read as seconds, which is what most environment values
// look like.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		s = strconv.FormatInt(secs, 10) + "s"
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Secret holds a credential such as a NATS token. Every textual form of it
// (fmt verbs, JSON, YAML) is masked; only Value returns the raw string.
type Secret string

const masked = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return masked
}

func (s Secret) GoString() string { return "config.Secret(" + strconv.Quote(s.String()) + ")" }

func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

// MarshalText masks the value for encoding/json, yaml.v3 and koanf dumps.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
