package symbols

import (
	"strconv"
	"strings"
)

// Interval milliseconds for the canonical units. 1M uses a 30-day
// approximation.
const (
	minuteMs = 60_000
	hourMs   = 3_600_000
	dayMs    = 86_400_000
	weekMs   = 604_800_000
	monthMs  = 2_592_000_000
)

// NormalizeInterval converts an interval string to its canonical form:
// lowercase number+unit with unit in {m, h, d, w}, plus "1M" for the calendar
// month. Inputs already canonical pass through unchanged; unknown inputs are
// returned as-is.
func NormalizeInterval(interval string) string {
	s := strings.TrimSpace(interval)
	if s == "" {
		return s
	}
	if s == "1M" || strings.EqualFold(s, "1mon") || strings.EqualFold(s, "1month") {
		return "1M"
	}

	lower := strings.ToLower(s)
	for _, suffix := range []string{"min", "hour", "day", "week"} {
		if strings.HasSuffix(lower, suffix) {
			num := strings.TrimSuffix(lower, suffix)
			if _, err := strconv.Atoi(num); err == nil {
				return num + suffix[:1]
			}
		}
	}
	if n, unit := splitInterval(lower); n != "" {
		switch unit {
		case "m", "h", "d", "w":
			return n + unit
		}
	}
	return s
}

// IntervalToMs returns the interval length in milliseconds. Unknown inputs
// default to one hour.
func IntervalToMs(interval string) int64 {
	n, unit := splitInterval(strings.TrimSpace(interval))
	if n == "" {
		return hourMs
	}
	count, err := strconv.ParseInt(n, 10, 64)
	if err != nil || count <= 0 {
		return hourMs
	}

	var unitMs int64
	switch unit {
	case "m":
		unitMs = minuteMs
	case "h":
		unitMs = hourMs
	case "d":
		unitMs = dayMs
	case "w":
		unitMs = weekMs
	case "M":
		unitMs = monthMs
	default:
		return hourMs
	}
	return count * unitMs
}

// splitInterval separates the numeric prefix from the unit suffix. Both
// returns are empty when the input does not match number+unit.
func splitInterval(s string) (string, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i != len(s)-1 {
		return "", ""
	}
	return s[:i], s[i:]
}
