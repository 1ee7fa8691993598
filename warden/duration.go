package warden

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxTimeoutDuration is the longest timeout Discord accepts for a
// member (28 days).
const MaxTimeoutDuration = 28 * 24 * time.Hour

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

// parseActionDuration parses a duration argument from a command. It
// accepts compound forms like "1d12h", "1h30m" or "45s", and a bare
// number, which is treated as minutes. Zero and negative durations are
// rejected.
func parseActionDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, validationErrorf("missing duration")
	}

	// bare numbers are minutes
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, validationErrorf("duration must be positive")
		}
		return time.Duration(n) * time.Minute, nil
	}

	var total time.Duration
	rest := s
	for _, du := range durationUnits {
		idx := strings.Index(rest, du.suffix)
		if idx < 0 {
			continue
		}
		numPart := rest[:idx]
		n, err := strconv.ParseInt(numPart, 10, 64)
		if err != nil {
			return 0, validationErrorf("invalid duration: %q", s)
		}
		total += time.Duration(n) * du.unit
		rest = rest[idx+len(du.suffix):]
	}
	if rest != "" {
		return 0, validationErrorf("invalid duration: %q", s)
	}
	if total <= 0 {
		return 0, validationErrorf("duration must be positive")
	}
	return total, nil
}

// parseTimeoutDuration parses a duration argument and enforces the
// Discord timeout ceiling.
func parseTimeoutDuration(s string) (time.Duration, error) {
	d, err := parseActionDuration(s)
	if err != nil {
		return 0, err
	}
	if d > MaxTimeoutDuration {
		return 0, validationErrorf(
			"duration can't exceed %s",
			humanizeDuration(MaxTimeoutDuration),
		)
	}
	return d, nil
}

// humanizeDuration renders a duration the way it reads in embeds and
// DMs ("1 day 12 hours", "45 minutes").
func humanizeDuration(d time.Duration) string {
	if d <= 0 {
		return "0 seconds"
	}

	var parts []string
	addPart := func(n int64, name string) {
		if n == 0 {
			return
		}
		if n == 1 {
			parts = append(parts, fmt.Sprintf("1 %s", name))
			return
		}
		parts = append(parts, fmt.Sprintf("%d %ss", n, name))
	}

	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int64(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int64(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := int64(d / time.Second)

	addPart(days, "day")
	addPart(hours, "hour")
	addPart(minutes, "minute")
	addPart(seconds, "second")

	if len(parts) == 0 {
		return "less than a second"
	}
	return strings.Join(parts, " ")
}
