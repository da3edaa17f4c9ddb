package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
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

// Durations parses a run of duration fields and keeps the first error, so
// mapping code can read every field and check once.
type Durations struct {
	Err error
}

// Get returns def for an empty or zero value.
func (d *Durations) Get(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationField(path, raw)
	if err != nil {
		if d.Err == nil {
			d.Err = err
		}
		return def
	}
	if v <= 0 {
		return def
	}
	return v
}
