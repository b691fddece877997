package parser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"DiscoveryScanner/internal/config"
	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/ports"
	"DiscoveryScanner/internal/scanner"
)

// StrategySource implements SourceAdapter by binding a registered scanner
// strategy to one configured source.
type StrategySource struct {
	strategy scanner.Scanner
	site     config.SourceConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
}

var _ ports.SourceAdapter = (*StrategySource)(nil)

// NewStrategySource wires a scanner with its source settings. A positive
// requestsPerSecond paces page requests with burst 1.
func NewStrategySource(strategy scanner.Scanner, site config.SourceConfig, log *slog.Logger) *StrategySource {
	var limiter *rate.Limiter
	if site.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(site.RequestsPerSecond), 1)
	}
	return &StrategySource{
		strategy: strategy,
		site:     site,
		limiter:  limiter,
		logger:   log,
	}
}

// NewSources resolves every enabled source against the registry. A source
// listed twice is rejected because run status is keyed by source.
func NewSources(reg *scanner.Registry, sites []config.SourceConfig, log *slog.Logger) ([]ports.SourceAdapter, error) {
	if reg == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}

	seen := map[domain.Source]bool{}
	var adapters []ports.SourceAdapter
	for _, site := range sites {
		if !site.IsEnabled() {
			debug(log, "source disabled", "source", site.Name)
			continue
		}
		src, ok := domain.ParseSource(site.Scanner)
		if !ok {
			return nil, fmt.Errorf("source %s: unknown scanner %q", site.Name, site.Scanner)
		}
		if seen[src] {
			return nil, fmt.Errorf("source %s: scanner %s configured twice", site.Name, src)
		}
		seen[src] = true

		strategy, err := reg.Resolve(src)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", site.Name, err)
		}
		var child *slog.Logger
		if log != nil {
			child = log.With("source", src)
		}
		adapters = append(adapters, NewStrategySource(strategy, site, child))
	}
	return adapters, nil
}

// Source reports the provider this adapter fetches.
func (s *StrategySource) Source() domain.Source {
	return s.strategy.Name()
}

// Timeout is the per-fetch deadline.
func (s *StrategySource) Timeout() time.Duration {
	return s.site.Timeout
}

// Fetch executes the scanner within the source timeout and truncates to maxItems.
func (s *StrategySource) Fetch(ctx context.Context) ([]domain.RawItem, error) {
	if s.site.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.site.Timeout)
		defer cancel()
	}

	req := scanner.Request{
		Listings: toScannerListings(s.site.Listings),
		MaxItems: s.site.MaxItems,
		Options:  s.site.Options,
		Limiter:  s.limiter,
	}

	started := time.Now()
	results, err := s.strategy.Scan(ctx, req)
	if err != nil {
		return nil, &domain.SourceFetchError{Source: s.Source(), Cause: err}
	}
	if s.site.MaxItems > 0 && len(results) > s.site.MaxItems {
		results = results[:s.site.MaxItems]
	}

	for i := range results {
		if results[i].Source == "" {
			results[i].Source = s.Source()
		}
	}
	debug(s.logger, "source produced items", "count", len(results), "elapsed", time.Since(started))
	return results, nil
}

func toScannerListings(cfg []config.ListingConfig) []scanner.Listing {
	listings := make([]scanner.Listing, 0, len(cfg))
	for _, l := range cfg {
		listings = append(listings, scanner.Listing{
			Name: l.Name,
			URL:  l.URL,
		})
	}
	return listings
}

func debug(logger *slog.Logger, msg string, args ...interface{}) {
	if logger != nil {
		logger.Debug(msg, args...)
	}
}
