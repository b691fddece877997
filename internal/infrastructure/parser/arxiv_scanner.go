package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/scanner"
)

var (
	dateExpr    = regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`)
	subjectExpr = regexp.MustCompile(`\(([a-z\-]+(?:\.[A-Za-z\-]+)?)\)`)
)

// ArxivScanner crawls category list pages (e.g. /list/cs.AI/recent).
type ArxivScanner struct {
	web      fetcher
	pageSize int
	logger   *slog.Logger
}

var _ scanner.Scanner = (*ArxivScanner)(nil)

// NewArxivScanner wires an HTTP client; pageSize defaults to 200.
func NewArxivScanner(client *http.Client, logger *slog.Logger) *ArxivScanner {
	return &ArxivScanner{web: newFetcher(client), pageSize: 200, logger: logger}
}

// Name identifies the strategy inside the registry.
func (a *ArxivScanner) Name() domain.Source {
	return domain.SourceArxiv
}

// Scan walks through each listing in order and returns papers in the
// position the listing shows them, stopping once MaxItems are collected.
func (a *ArxivScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawItem, error) {
	if len(req.Listings) == 0 {
		return nil, fmt.Errorf("no listings provided for %s", a.Name())
	}

	pageSize := a.pageSize
	if req.MaxItems > 0 && req.MaxItems < pageSize {
		pageSize = req.MaxItems
	}
	collector := scanner.NewCollector(req.MaxItems)

	for _, listing := range req.Listings {
		skip := 0
		for !collector.Full() {
			pageURL, err := buildPageURL(listing.URL, skip, pageSize)
			if err != nil {
				return nil, fmt.Errorf("listing %s: %w", listing.Name, err)
			}

			doc, err := a.web.fetchDocument(ctx, req.Limiter, pageURL)
			if err != nil {
				return nil, fmt.Errorf("listing %s: %w", listing.Name, err)
			}

			items, processed := a.extractItems(doc, pageURL, listing.Name)
			for _, item := range items {
				if !collector.Add(item) {
					break
				}
			}
			a.debug("arxiv page parsed", "listing", listing.Name, "skip", skip, "entries", processed)

			if processed < pageSize {
				break
			}
			skip += pageSize
		}
	}

	return collector.Items(), nil
}

func (a *ArxivScanner) extractItems(doc *goquery.Document, pageURL, listing string) ([]domain.RawItem, int) {
	var (
		collected []domain.RawItem
		processed int
	)

	doc.Find("dl > dt").Each(func(i int, dt *goquery.Selection) {
		dd := dt.NextFiltered("dd")
		processed++

		item, err := parseEntry(dt, dd, pageURL, listing)
		if err != nil {
			a.debug("skip arxiv entry", "index", i, "error", err)
			return
		}
		collected = append(collected, item)
	})

	return collected, processed
}

func parseEntry(dt, dd *goquery.Selection, pageURL, listing string) (domain.RawItem, error) {
	link := dt.Find("a[href*=\"/abs/\"]").First()
	href, _ := link.Attr("href")

	if href == "" {
		return domain.RawItem{}, fmt.Errorf("entry without abstract link")
	}

	id := strings.TrimSpace(link.Text())
	if id == "" {
		if i := strings.LastIndex(href, "/abs/"); i >= 0 {
			id = href[i+len("/abs/"):]
		}
	}
	id = strings.TrimSpace(strings.TrimPrefix(id, "arXiv:"))
	if id == "" {
		return domain.RawItem{}, fmt.Errorf("entry without paper id")
	}

	title := strings.TrimSpace(dd.Find(".list-title").First().Text())
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))

	authors := strings.TrimSpace(dd.Find(".list-authors").First().Text())
	authors = strings.Join(strings.Fields(strings.TrimPrefix(authors, "Authors:")), " ")

	summary := dd.Find("p.mathjax").First().Text()
	summary = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(summary), "Abstract:"))

	var tags []string
	for _, m := range subjectExpr.FindAllStringSubmatch(dd.Find(".list-subjects").First().Text(), -1) {
		tags = append(tags, m[1])
	}

	return domain.RawItem{
		Source:      domain.SourceArxiv,
		NativeID:    id,
		Title:       title,
		Description: summary,
		Authors:     authors,
		URL:         resolveLink(pageURL, "/abs/"+id),
		Tags:        tags,
		PublishedAt: entryDate(dt, dd),
		Listing:     listing,
	}, nil
}

// entryDate prefers a per-entry date line and falls back to the nearest day
// heading (<h3>Thu, 17 Apr 2024</h3>), either inside the <dl> before the
// entry or ahead of the <dl> itself.
func entryDate(dt, dd *goquery.Selection) time.Time {
	dateText := strings.TrimSpace(dd.Find(".list-date").First().Text())
	if dateText == "" {
		dateText = strings.TrimSpace(dd.Find(".list-dateline").First().Text())
	}
	if dateText == "" {
		dateText = dt.PrevAllFiltered("h3").First().Text()
	}
	if dateText == "" {
		dateText = dt.Parent().PrevAllFiltered("h3").First().Text()
	}

	if match := dateExpr.FindString(dateText); match != "" {
		if parsed, err := time.Parse("2 Jan 2006", match); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func buildPageURL(base string, skip, pageSize int) (string, error) {
	return withQuery(base, map[string]string{
		"skip": strconv.Itoa(skip),
		"show": strconv.Itoa(pageSize),
	})
}

func (a *ArxivScanner) debug(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, args...)
	}
}
