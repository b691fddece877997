// Package normalize turns raw source items into canonical discovery records.
package normalize

import (
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"DiscoveryScanner/internal/domain"
)

const (
	DefaultMaxSummaryLength = 500
	DefaultMaxTags          = 10

	ellipsis = "..."
)

// Options bounds the normalized output.
type Options struct {
	MaxSummaryLength int
	MaxTags          int
	Rules            []Rule
}

// Normalizer is a pure function object; it holds no mutable state.
type Normalizer struct {
	maxSummary int
	maxTags    int
	rules      []compiledRule
}

type compiledRule struct {
	category domain.Category
	keywords []string
}

// New builds a Normalizer, filling unset options with defaults.
func New(opts Options) *Normalizer {
	if opts.MaxSummaryLength <= 0 {
		opts.MaxSummaryLength = DefaultMaxSummaryLength
	}
	if opts.MaxTags <= 0 {
		opts.MaxTags = DefaultMaxTags
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules
	}

	n := &Normalizer{maxSummary: opts.MaxSummaryLength, maxTags: opts.MaxTags}
	for _, rule := range opts.Rules {
		cr := compiledRule{category: rule.Category}
		for _, kw := range rule.Keywords {
			if norm := tokenize(kw); norm != "" {
				cr.keywords = append(cr.keywords, " "+norm+" ")
			}
		}
		n.rules = append(n.rules, cr)
	}
	return n
}

// MaxSummaryLength exposes the summary bound in bytes.
func (n *Normalizer) MaxSummaryLength() int { return n.maxSummary }

// Normalize maps item onto a DiscoveryRecord observed at fetchedAt.
func (n *Normalizer) Normalize(item domain.RawItem, fetchedAt time.Time) (domain.DiscoveryRecord, error) {
	if !item.Source.Valid() {
		return domain.DiscoveryRecord{}, &domain.NormalizationError{Field: "source", Reason: "is not a supported provider"}
	}
	nativeID := strings.TrimSpace(item.NativeID)
	if nativeID == "" {
		return domain.DiscoveryRecord{}, &domain.NormalizationError{Field: "sourceNativeId", Reason: "is required"}
	}
	title := collapseSpace(item.Title)
	if title == "" {
		return domain.DiscoveryRecord{}, &domain.NormalizationError{Field: "title", Reason: "is required"}
	}
	link, err := absoluteURL(item.URL)
	if err != nil {
		return domain.DiscoveryRecord{}, &domain.NormalizationError{Field: "url", Reason: err.Error()}
	}

	fetchedAt = fetchedAt.UTC()
	publishedAt := item.PublishedAt.UTC()
	if item.PublishedAt.IsZero() || publishedAt.After(fetchedAt) {
		publishedAt = fetchedAt
	}

	tags := n.Tags(append(append([]string(nil), item.Tags...), item.Language))
	summary := n.Summary(item.Description)

	key := domain.IdentityKey{Source: item.Source, NativeID: nativeID}
	rec := domain.DiscoveryRecord{
		ID:          domain.RecordID(key),
		Source:      item.Source,
		NativeID:    nativeID,
		Title:       title,
		Summary:     summary,
		URL:         link,
		Category:    n.Categorize(title+" "+item.Description, tags),
		Tags:        tags,
		PublishedAt: publishedAt,
		FetchedAt:   fetchedAt,
	}
	if item.Popularity != nil {
		p := *item.Popularity
		rec.Popularity = &p
	}
	if img, err := absoluteURL(item.ImageURL); err == nil {
		rec.ImageURL = img
	}
	return rec, nil
}

// Categorize returns the first matching taxonomy value, or Other.
func (n *Normalizer) Categorize(text string, tags []string) domain.Category {
	haystack := " " + tokenize(text+" "+strings.Join(tags, " ")) + " "
	for _, rule := range n.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.category
			}
		}
	}
	return domain.CategoryOther
}

// Tags lowercases, trims, collapses case-insensitive duplicates and caps
// the list, keeping first occurrences.
func (n *Normalizer) Tags(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := map[string]struct{}{}
	for _, tag := range raw {
		tag = strings.ToLower(collapseSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == n.maxTags {
			break
		}
	}
	return out
}

// Summary collapses whitespace and cuts at the last word boundary that
// keeps the result, ellipsis included, within the configured bound.
func (n *Normalizer) Summary(text string) string {
	text = collapseSpace(text)
	if len(text) <= n.maxSummary {
		return text
	}
	budget := n.maxSummary - len(ellipsis)
	if budget <= 0 {
		return cutAtSpace(text, n.maxSummary)
	}
	return cutAtSpace(text, budget) + ellipsis
}

func cutAtSpace(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	// text[limit] being a space means the prefix ends on a full word.
	if text[limit] == ' ' {
		return strings.TrimRight(text[:limit], " ")
	}
	cut := strings.LastIndexByte(text[:limit], ' ')
	if cut <= 0 {
		// A single word longer than the limit; fall back to a rune-safe cut.
		return truncateRunes(text, limit)
	}
	return strings.TrimRight(text[:cut], " ")
}

func truncateRunes(text string, limit int) string {
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

func absoluteURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("is not parseable")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.New("must be an absolute http(s) URL")
	}
	return u.String(), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// tokenize lowercases s and keeps letters, digits and hyphens as word
// characters so keywords match on word boundaries.
func tokenize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
