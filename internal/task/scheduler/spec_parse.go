package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MinEvery is the shortest interval the scheduler accepts.
const MinEvery = time.Second

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseEvery parses the check interval used by Config.Every.
//
// Accepted forms, optionally prefixed with "every:" or "@every ":
//   - Go duration: "10m", "1h30m"
//   - HH:MM: "00:10" is ten minutes, "02:30" two and a half hours
//
// Cron expressions are rejected. Ticks repeat at a fixed interval counted
// from the warm-up tick, not at wall-clock positions.
func ParseEvery(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	for _, p := range []string{"every:", "@every "} {
		if strings.HasPrefix(low, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}
	if strings.ContainsAny(s, " \t*@") {
		return 0, fmt.Errorf("invalid interval %q: cron expressions are not supported, use a duration like '10m' or HH:MM", raw)
	}

	var d time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		v, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q (use a duration like '10m' or HH:MM like '00:10')", raw)
		}
		d = v
	}
	if d < MinEvery {
		return 0, fmt.Errorf("interval %q must be at least %s", raw, MinEvery)
	}
	return d, nil
}
