// Package digest renders periodic plain-text summaries of new discoveries
// and hands them to a notifier.
package digest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/ports"
)

// Frequency selects the digest window.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// ParseFrequency accepts daily, weekly or monthly in any case.
func ParseFrequency(value string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(value))); f {
	case Daily, Weekly, Monthly:
		return f, nil
	case "":
		return Daily, nil
	default:
		return "", fmt.Errorf("unknown digest frequency %q", value)
	}
}

// Window is the look-back period of the frequency.
func (f Frequency) Window() time.Duration {
	switch f {
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Source is what the builder reads from.
type Source interface {
	RecordsSince(ctx context.Context, since time.Time, categories []domain.Category) ([]domain.DiscoveryRecord, error)
}

// Section groups the records of one category.
type Section struct {
	Category domain.Category          `json:"category"`
	Records  []domain.DiscoveryRecord `json:"records"`
}

// Digest is the structured form of one summary.
type Digest struct {
	Frequency Frequency `json:"frequency"`
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	Total     int       `json:"total"`
	Sections  []Section `json:"sections"`
}

// Builder assembles digests.
type Builder struct {
	source     Source
	perSection int
}

// NewBuilder caps each category section at perSection records; zero or
// less keeps them all.
func NewBuilder(source Source, perSection int) *Builder {
	return &Builder{source: source, perSection: perSection}
}

// Build collects records published in the frequency window ending at now.
func (b *Builder) Build(ctx context.Context, freq Frequency, categories []domain.Category, now time.Time) (Digest, error) {
	return b.BuildSince(ctx, freq, now.Add(-freq.Window()), categories, now)
}

// BuildSince collects records published since the given time. The digest
// dates are rendered in now's location.
func (b *Builder) BuildSince(ctx context.Context, freq Frequency, since time.Time, categories []domain.Category, now time.Time) (Digest, error) {
	records, err := b.source.RecordsSince(ctx, since, categories)
	if err != nil {
		return Digest{}, fmt.Errorf("build digest: %w", err)
	}

	d := Digest{Frequency: freq, Since: since.In(now.Location()), Until: now, Total: len(records)}
	grouped := make(map[domain.Category][]domain.DiscoveryRecord)
	for _, rec := range records {
		grouped[rec.Category] = append(grouped[rec.Category], rec)
	}
	for _, c := range domain.Categories() {
		recs := grouped[c]
		if len(recs) == 0 {
			continue
		}
		if b.perSection > 0 && len(recs) > b.perSection {
			recs = recs[:b.perSection]
		}
		d.Sections = append(d.Sections, Section{Category: c, Records: recs})
	}
	return d, nil
}

// Render formats the digest as plain text.
func Render(d Digest) string {
	var sb strings.Builder
	title := "Discovery"
	if d.Frequency != "" {
		title = strings.ToUpper(string(d.Frequency[:1])) + string(d.Frequency[1:])
	}
	fmt.Fprintf(&sb, "%s AI discoveries digest\n", title)
	fmt.Fprintf(&sb, "%s to %s, %d new\n", d.Since.Format(time.DateOnly), d.Until.Format(time.DateOnly), d.Total)

	if len(d.Sections) == 0 {
		sb.WriteString("\nNothing new in this period.\n")
		return sb.String()
	}

	for _, sec := range d.Sections {
		fmt.Fprintf(&sb, "\n%s\n", sec.Category)
		for _, rec := range sec.Records {
			fmt.Fprintf(&sb, "- %s (%s", rec.Title, rec.Source)
			if rec.Popularity != nil {
				sb.WriteString(", " + formatPopularity(*rec.Popularity))
			}
			sb.WriteString(")\n")
			if rec.Summary != "" {
				fmt.Fprintf(&sb, "  %s\n", rec.Summary)
			}
			fmt.Fprintf(&sb, "  %s\n", rec.URL)
		}
	}
	return sb.String()
}

func formatPopularity(v float64) string {
	switch {
	case v >= 1e6:
		return strconv.FormatFloat(v/1e6, 'f', 1, 64) + "M"
	case v >= 1e3:
		return strconv.FormatFloat(v/1e3, 'f', 1, 64) + "k"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

// Publish renders d and sends it through notifier. Empty digests are
// skipped and reported as not sent.
func Publish(ctx context.Context, notifier ports.Notifier, d Digest) (bool, error) {
	if d.Total == 0 {
		return false, nil
	}
	if err := notifier.PublishDigest(ctx, Render(d)); err != nil {
		return false, fmt.Errorf("publish digest: %w", err)
	}
	return true, nil
}
