package parser

import (
	"context"
	"errors"
	"testing"
	"time"

	"DiscoveryScanner/internal/config"
	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/scanner"
)

type stubScanner struct {
	name  domain.Source
	items []domain.RawItem
	err   error
	block bool
	got   scanner.Request
}

func (s *stubScanner) Name() domain.Source { return s.name }

func (s *stubScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawItem, error) {
	s.got = req
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.items, s.err
}

func TestStrategySourceFetch(t *testing.T) {
	t.Parallel()

	stub := &stubScanner{
		name: domain.SourceArxiv,
		items: []domain.RawItem{
			{NativeID: "1"}, {NativeID: "2"}, {NativeID: "3"},
		},
	}
	site := config.SourceConfig{
		Name:              "arxiv",
		Scanner:           "arxiv",
		Timeout:           time.Second,
		MaxItems:          2,
		RequestsPerSecond: 5,
		Listings:          []config.ListingConfig{{Name: "cs.AI", URL: "https://example.org/list"}},
		Options:           map[string]string{"k": "v"},
	}

	src := NewStrategySource(stub, site, nil)
	items, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected truncation to 2, got %d", len(items))
	}
	if items[0].Source != domain.SourceArxiv {
		t.Fatalf("expected source to be filled, got %q", items[0].Source)
	}
	if len(stub.got.Listings) != 1 || stub.got.Listings[0].Name != "cs.AI" {
		t.Fatalf("listings not forwarded: %+v", stub.got.Listings)
	}
	if stub.got.Limiter == nil || stub.got.MaxItems != 2 || stub.got.Options["k"] != "v" {
		t.Fatalf("request not populated: %+v", stub.got)
	}
	if src.Timeout() != time.Second || src.Source() != domain.SourceArxiv {
		t.Fatalf("unexpected adapter identity")
	}
}

func TestStrategySourceWrapsErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	src := NewStrategySource(&stubScanner{name: domain.SourceGitHub, err: cause}, config.SourceConfig{}, nil)

	_, err := src.Fetch(context.Background())
	var fetchErr *domain.SourceFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected SourceFetchError, got %v", err)
	}
	if fetchErr.Source != domain.SourceGitHub || !errors.Is(err, cause) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStrategySourceTimeout(t *testing.T) {
	t.Parallel()

	src := NewStrategySource(&stubScanner{name: domain.SourceHuggingFace, block: true},
		config.SourceConfig{Timeout: 20 * time.Millisecond}, nil)

	_, err := src.Fetch(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestNewSources(t *testing.T) {
	t.Parallel()

	reg := scanner.NewRegistry()
	reg.Register(&stubScanner{name: domain.SourceGitHub})
	reg.Register(&stubScanner{name: domain.SourceArxiv})

	disabled := false
	adapters, err := NewSources(reg, []config.SourceConfig{
		{Name: "github", Scanner: "github"},
		{Name: "arxiv", Scanner: "arxiv", Enabled: &disabled},
	}, nil)
	if err != nil {
		t.Fatalf("NewSources error: %v", err)
	}
	if len(adapters) != 1 || adapters[0].Source() != domain.SourceGitHub {
		t.Fatalf("unexpected adapters: %v", adapters)
	}

	if _, err := NewSources(reg, []config.SourceConfig{{Name: "x", Scanner: "gitlab"}}, nil); err == nil {
		t.Fatalf("expected unknown scanner error")
	}
	if _, err := NewSources(reg, []config.SourceConfig{{Name: "hf", Scanner: "huggingface"}}, nil); err == nil {
		t.Fatalf("expected unregistered scanner error")
	}
	if _, err := NewSources(reg, []config.SourceConfig{
		{Name: "a", Scanner: "github"}, {Name: "b", Scanner: "github"},
	}, nil); err == nil {
		t.Fatalf("expected duplicate source error")
	}
}
