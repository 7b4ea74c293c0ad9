package config

import (
	"fmt"
	"strings"
	"time"
)

// Delay parses a duration setting where zero is meaningful, such as
// scheduler.warmup. An unset value yields def.
func Delay(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// Timeout parses a timeout setting. Unset and zero both yield def.
func Timeout(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Delay(path, raw, def)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
