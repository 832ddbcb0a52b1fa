package symbols

import (
	"strconv"
	"strings"
)

// IntervalForVenue renders a canonical interval ("1m", "4h", "1d", "1w",
// "1M") the way the named venue spells it on the wire. Unknown venues get the
// canonical form back.
func IntervalForVenue(venue, interval string) string {
	canonical := NormalizeInterval(interval)
	n, unit := splitInterval(canonical)
	if n == "" && canonical != "1M" {
		return canonical
	}
	if canonical == "1M" {
		n, unit = "1", "M"
	}
	count, _ := strconv.Atoi(n)

	switch strings.ToLower(venue) {
	case "upbit", "bybit":
		// Minutes as bare numbers, everything above as a letter.
		switch unit {
		case "m":
			return n
		case "h":
			return strconv.Itoa(count * 60)
		case "d":
			return "D"
		case "w":
			return "W"
		case "M":
			return "M"
		}
	case "huobi":
		switch unit {
		case "m":
			return n + "min"
		case "h":
			if count == 1 {
				return "60min"
			}
			return n + "hour"
		case "d":
			return n + "day"
		case "w":
			return n + "week"
		case "M":
			return n + "mon"
		}
	case "bittrex":
		switch unit {
		case "m":
			return "MINUTE_" + n
		case "h":
			return "HOUR_" + n
		case "d":
			return "DAY_" + n
		}
	case "cryptocom":
		switch unit {
		case "m":
			return n + "M"
		case "h":
			return n + "H"
		case "d":
			return n + "D"
		case "w":
			return strconv.Itoa(count*7) + "D"
		}
	}
	return canonical
}
