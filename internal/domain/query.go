package domain

import (
	"slices"
	"sort"
	"strings"
	"time"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Filter selects records from a Store. Zero values mean "no constraint".
type Filter struct {
	Categories    []Category
	Sources       []Source
	Tags          []string
	PublishedFrom time.Time
	PublishedTo   time.Time
	Text          string
	Stale         *bool
	Limit         int
	Offset        int
}

// Matches evaluates every predicate except paging.
func (f Filter) Matches(r DiscoveryRecord) bool {
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, r.Category) {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, r.Source) {
		return false
	}
	if len(f.Tags) > 0 && !anyTag(f.Tags, r.Tags) {
		return false
	}
	if !f.PublishedFrom.IsZero() && r.PublishedAt.Before(f.PublishedFrom) {
		return false
	}
	if !f.PublishedTo.IsZero() && r.PublishedAt.After(f.PublishedTo) {
		return false
	}
	if f.Stale != nil && r.Stale != *f.Stale {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(r.Title), needle) &&
			!strings.Contains(strings.ToLower(r.Summary), needle) {
			return false
		}
	}
	return true
}

// EffectiveLimit clamps Limit into the accepted page window.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		return MaxPageLimit
	}
	return f.Limit
}

// Page is one slice of an ordered query result.
type Page struct {
	Records []DiscoveryRecord `json:"records"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
	HasMore bool              `json:"hasMore"`
}

// SortRecords applies the canonical order: newest publication first,
// ties broken by ascending id.
func SortRecords(records []DiscoveryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		return a.ID < b.ID
	})
}

// Paginate sorts matches and cuts the requested window.
func Paginate(matches []DiscoveryRecord, f Filter) Page {
	SortRecords(matches)
	limit := f.EffectiveLimit()
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	page := Page{Total: len(matches), Limit: limit, Offset: offset, Records: []DiscoveryRecord{}}
	if offset >= len(matches) {
		return page
	}
	end := offset + limit
	if end > len(matches) {
		end = len(matches)
	}
	page.Records = matches[offset:end]
	page.HasMore = end < len(matches)
	return page
}

// Stats summarizes the store contents.
type Stats struct {
	Total      int              `json:"total"`
	Stale      int              `json:"stale"`
	ByCategory map[Category]int `json:"byCategory"`
	BySource   map[Source]int   `json:"bySource"`
}

// NewStats returns zeroed counters for every known category and source.
func NewStats() Stats {
	st := Stats{ByCategory: map[Category]int{}, BySource: map[Source]int{}}
	for _, c := range Categories() {
		st.ByCategory[c] = 0
	}
	for _, s := range Sources() {
		st.BySource[s] = 0
	}
	return st
}

// Add counts one record.
func (s *Stats) Add(r DiscoveryRecord) {
	s.Total++
	s.ByCategory[r.Category]++
	s.BySource[r.Source]++
	if r.Stale {
		s.Stale++
	}
}

func anyTag(wanted, have []string) bool {
	for _, w := range wanted {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}
