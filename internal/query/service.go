// Package query is the read-only surface collaborators use to browse
// discoveries, inspect runs and collect digest input.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/ports"
)

const defaultRunsLimit = 20

// Reader is the part of a Store the query surface needs.
type Reader interface {
	Get(ctx context.Context, id string) (domain.DiscoveryRecord, error)
	Query(ctx context.Context, filter domain.Filter) (domain.Page, error)
	Stats(ctx context.Context) (domain.Stats, error)
	LatestRun(ctx context.Context) (domain.AggregationRun, error)
	Runs(ctx context.Context, limit int) ([]domain.AggregationRun, error)
}

var _ Reader = (ports.Store)(nil)

// Service answers queries against a store.
type Service struct {
	store Reader
}

// NewService binds the service to a store.
func NewService(store Reader) *Service {
	return &Service{store: store}
}

// List returns one page of records matching filter.
func (s *Service) List(ctx context.Context, filter domain.Filter) (domain.Page, error) {
	page, err := s.store.Query(ctx, filter)
	if err != nil {
		return domain.Page{}, fmt.Errorf("query records: %w", err)
	}
	return page, nil
}

// Get loads one record by id.
func (s *Service) Get(ctx context.Context, id string) (domain.DiscoveryRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.DiscoveryRecord{}, domain.ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// LatestRun returns the most recent persisted run.
func (s *Service) LatestRun(ctx context.Context) (domain.AggregationRun, error) {
	return s.store.LatestRun(ctx)
}

// Runs lists recent runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]domain.AggregationRun, error) {
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	if limit > domain.MaxPageLimit {
		limit = domain.MaxPageLimit
	}
	return s.store.Runs(ctx, limit)
}

// Stats summarizes the store contents.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.store.Stats(ctx)
}

// RecordsSince collects every record published at or after since,
// optionally restricted to categories, in canonical order.
func (s *Service) RecordsSince(ctx context.Context, since time.Time, categories []domain.Category) ([]domain.DiscoveryRecord, error) {
	filter := domain.Filter{
		Categories:    categories,
		PublishedFrom: since,
		Limit:         domain.MaxPageLimit,
	}

	var out []domain.DiscoveryRecord
	for {
		page, err := s.store.Query(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("records since %s: %w", since.Format(time.RFC3339), err)
		}
		out = append(out, page.Records...)
		if !page.HasMore || len(page.Records) == 0 {
			return out, nil
		}
		filter.Offset += len(page.Records)
	}
}
