package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/scanner"
)

const githubImageBase = "https://opengraph.githubassets.com/1/"

// GitHubTrendingScanner parses github.com/trending pages.
type GitHubTrendingScanner struct {
	web      fetcher
	clock    func() time.Time
	location *time.Location
	logger   *slog.Logger
}

var _ scanner.Scanner = (*GitHubTrendingScanner)(nil)

// NewGitHubTrendingScanner wires an HTTP client.
func NewGitHubTrendingScanner(client *http.Client, logger *slog.Logger) *GitHubTrendingScanner {
	return &GitHubTrendingScanner{web: newFetcher(client), clock: time.Now, location: time.UTC, logger: logger}
}

// InLocation sets the timezone whose calendar day stamps first observations.
func (g *GitHubTrendingScanner) InLocation(loc *time.Location) *GitHubTrendingScanner {
	if loc != nil {
		g.location = loc
	}
	return g
}

// Name identifies the strategy inside the registry.
func (g *GitHubTrendingScanner) Name() domain.Source {
	return domain.SourceGitHub
}

// Scan reads every trending listing in order (daily, weekly, ...). A
// repository trending on several listings keeps its first position.
func (g *GitHubTrendingScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawItem, error) {
	if len(req.Listings) == 0 {
		return nil, fmt.Errorf("no listings provided for %s", g.Name())
	}

	// Trending pages carry no creation date; the first observation stands in
	// for it and the merge policy keeps that value on later runs.
	observed := observationDay(g.clock(), g.location)
	collector := scanner.NewCollector(req.MaxItems)

	for _, listing := range req.Listings {
		if collector.Full() {
			break
		}
		doc, err := g.web.fetchDocument(ctx, req.Limiter, listing.URL)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", listing.Name, err)
		}

		rows := doc.Find("article.Box-row")
		if rows.Length() == 0 {
			return nil, fmt.Errorf("listing %s: no trending repositories found", listing.Name)
		}

		rows.EachWithBreak(func(i int, row *goquery.Selection) bool {
			item, ok := parseTrendingRow(row, listing, observed)
			if !ok {
				g.debug("skip trending row", "listing", listing.Name, "index", i)
				return true
			}
			return collector.Add(item)
		})
		g.debug("trending listing parsed", "listing", listing.Name, "rows", rows.Length())
	}

	return collector.Items(), nil
}

func parseTrendingRow(row *goquery.Selection, listing scanner.Listing, observed time.Time) (domain.RawItem, bool) {
	href, ok := row.Find("h2 a").First().Attr("href")
	if !ok {
		return domain.RawItem{}, false
	}
	fullName := strings.Trim(strings.TrimSpace(href), "/")
	if strings.Count(fullName, "/") != 1 {
		return domain.RawItem{}, false
	}

	item := domain.RawItem{
		Source:      domain.SourceGitHub,
		NativeID:    fullName,
		Title:       fullName,
		Description: strings.TrimSpace(row.Find("p").First().Text()),
		URL:         resolveLink(listing.URL, "/"+fullName),
		ImageURL:    githubImageBase + fullName,
		Language:    strings.TrimSpace(row.Find("[itemprop='programmingLanguage']").First().Text()),
		PublishedAt: observed,
		Listing:     listing.Name,
	}

	stars := row.Find("a[href$='/stargazers']").First().Text()
	if count, ok := parseCount(stars); ok {
		item.Popularity = &count
	}
	return item, true
}

func (g *GitHubTrendingScanner) debug(msg string, args ...any) {
	if g.logger != nil {
		g.logger.Debug(msg, args...)
	}
}

// observationDay is local midnight of now in loc, expressed in UTC.
func observationDay(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
}
