package query

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"DiscoveryScanner/internal/domain"
)

// Accepted query keys. Anything else is rejected.
const (
	KeyCategory = "category"
	KeySource   = "source"
	KeyTag      = "tag"
	KeyFrom     = "from"
	KeyTo       = "to"
	KeyText     = "q"
	KeyStale    = "stale"
	KeyLimit    = "limit"
	KeyOffset   = "offset"
)

var knownKeys = map[string]struct{}{
	KeyCategory: {}, KeySource: {}, KeyTag: {}, KeyFrom: {}, KeyTo: {},
	KeyText: {}, KeyStale: {}, KeyLimit: {}, KeyOffset: {},
}

// ParseFilter converts URL query values into a Filter. Repeated and
// comma separated values are OR-ed within a key.
func ParseFilter(values url.Values) (domain.Filter, error) {
	var f domain.Filter
	for key := range values {
		if _, ok := knownKeys[key]; !ok {
			return domain.Filter{}, &domain.InvalidFilterError{Key: key, Reason: "unknown parameter"}
		}
	}

	for _, raw := range splitValues(values[KeyCategory]) {
		c, ok := domain.ParseCategory(raw)
		if !ok {
			return domain.Filter{}, &domain.InvalidFilterError{Key: KeyCategory, Value: raw, Reason: "unknown category"}
		}
		f.Categories = append(f.Categories, c)
	}
	for _, raw := range splitValues(values[KeySource]) {
		s, ok := domain.ParseSource(raw)
		if !ok {
			return domain.Filter{}, &domain.InvalidFilterError{Key: KeySource, Value: raw, Reason: "unknown source"}
		}
		f.Sources = append(f.Sources, s)
	}
	f.Tags = splitValues(values[KeyTag])

	var err error
	if f.PublishedFrom, err = parseTime(KeyFrom, values.Get(KeyFrom), false); err != nil {
		return domain.Filter{}, err
	}
	if f.PublishedTo, err = parseTime(KeyTo, values.Get(KeyTo), true); err != nil {
		return domain.Filter{}, err
	}
	if !f.PublishedFrom.IsZero() && !f.PublishedTo.IsZero() && f.PublishedTo.Before(f.PublishedFrom) {
		return domain.Filter{}, &domain.InvalidFilterError{Key: KeyTo, Value: values.Get(KeyTo), Reason: "is before from"}
	}

	f.Text = strings.TrimSpace(values.Get(KeyText))

	if raw := strings.TrimSpace(values.Get(KeyStale)); raw != "" {
		stale, err := strconv.ParseBool(raw)
		if err != nil {
			return domain.Filter{}, &domain.InvalidFilterError{Key: KeyStale, Value: raw, Reason: "must be a boolean"}
		}
		f.Stale = &stale
	}

	if f.Limit, err = parseNonNegative(KeyLimit, values.Get(KeyLimit)); err != nil {
		return domain.Filter{}, err
	}
	if raw := values.Get(KeyLimit); raw != "" && (f.Limit < 1 || f.Limit > domain.MaxPageLimit) {
		return domain.Filter{}, &domain.InvalidFilterError{
			Key: KeyLimit, Value: raw, Reason: "must be between 1 and " + strconv.Itoa(domain.MaxPageLimit),
		}
	}
	if f.Offset, err = parseNonNegative(KeyOffset, values.Get(KeyOffset)); err != nil {
		return domain.Filter{}, err
	}
	return f, nil
}

func splitValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseTime accepts RFC 3339 timestamps or plain dates. A plain date used
// as an upper bound covers the whole day.
func parseTime(key, raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, &domain.InvalidFilterError{Key: key, Value: raw, Reason: "must be RFC 3339 or YYYY-MM-DD"}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func parseNonNegative(key, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &domain.InvalidFilterError{Key: key, Value: raw, Reason: "must be a non-negative integer"}
	}
	return n, nil
}
