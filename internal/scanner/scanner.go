package scanner

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/time/rate"

	"DiscoveryScanner/internal/domain"
)

// Listing describes a concrete listing endpoint provided by config
// (a trending page, an API query, an arXiv category list).
type Listing struct {
	Name string
	URL  string
}

// Request carries all parameters required to execute a scan.
type Request struct {
	Listings []Listing
	MaxItems int
	Options  map[string]string
	// Limiter paces page requests; nil means unpaced.
	Limiter *rate.Limiter
}

// Scanner captures a single strategy implementation (GitHub, Hugging Face, arXiv).
type Scanner interface {
	Name() domain.Source
	Scan(ctx context.Context, req Request) ([]domain.RawItem, error)
}

// Registry keeps a mapping from source names to their implementations.
type Registry struct {
	scanners map[domain.Source]Scanner
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: map[domain.Source]Scanner{}}
}

// Register adds or replaces a scanner implementation.
func (r *Registry) Register(scanner Scanner) {
	if r.scanners == nil {
		r.scanners = map[domain.Source]Scanner{}
	}
	r.scanners[scanner.Name()] = scanner
}

// Resolve returns a scanner by name or an error if it is absent.
func (r *Registry) Resolve(name domain.Source) (Scanner, error) {
	if scanner, ok := r.scanners[name]; ok {
		return scanner, nil
	}
	return nil, fmt.Errorf("scanner %s is not registered", name)
}

// Names lists registered scanners in sorted order.
func (r *Registry) Names() []domain.Source {
	names := make([]domain.Source, 0, len(r.scanners))
	for name := range r.scanners {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Collector accumulates items across listings, collapsing repeated native
// ids and assigning ranks in first-seen order until the budget is spent.
type Collector struct {
	max   int
	seen  map[string]struct{}
	items []domain.RawItem
}

// NewCollector bounds the output at max items; max <= 0 means unbounded.
func NewCollector(max int) *Collector {
	return &Collector{max: max, seen: map[string]struct{}{}}
}

// Add appends item unless its native id was already collected. It returns
// false once the budget is exhausted.
func (c *Collector) Add(item domain.RawItem) bool {
	if c.Full() {
		return false
	}
	if _, ok := c.seen[item.NativeID]; ok {
		return true
	}
	c.seen[item.NativeID] = struct{}{}
	item.Rank = len(c.items) + 1
	c.items = append(c.items, item)
	return !c.Full()
}

// Full reports whether the budget is spent.
func (c *Collector) Full() bool {
	return c.max > 0 && len(c.items) >= c.max
}

// Items returns the collected items in rank order.
func (c *Collector) Items() []domain.RawItem {
	return c.items
}
