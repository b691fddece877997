package parser

import (
	"regexp"
	"strconv"
	"strings"
)

var countExpr = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)([kmb]\b)?`)

// parseCount reads human formatted counters such as "12,500", "12.5k",
// "Downloads: 1.2M". ok is false when no number is present.
func parseCount(text string) (float64, bool) {
	m := countExpr.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "k":
		value *= 1_000
	case "m":
		value *= 1_000_000
	case "b":
		value *= 1_000_000_000
	}
	return value, true
}
