package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const (
	userAgent      = "DiscoveryScanner/1.0"
	defaultTimeout = 20 * time.Second
	maxBodyBytes   = 8 << 20
)

// HTTPStatusError is returned for non-2xx listing responses.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned %s", e.URL, e.Status)
}

// fetcher performs budgeted GET requests for the scanners.
type fetcher struct {
	client *http.Client
}

func newFetcher(client *http.Client) fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return fetcher{client: client}
}

func (f fetcher) get(ctx context.Context, limiter *rate.Limiter, pageURL, accept string) (*http.Response, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", pageURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

func (f fetcher) fetchDocument(ctx context.Context, limiter *rate.Limiter, pageURL string) (*goquery.Document, error) {
	resp, err := f.get(ctx, limiter, pageURL, "text/html")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func (f fetcher) fetchJSON(ctx context.Context, limiter *rate.Limiter, pageURL string, v any) error {
	resp, err := f.get(ctx, limiter, pageURL, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", pageURL, err)
	}
	return nil
}

// resolveLink turns href into an absolute URL relative to the page it was found on.
func resolveLink(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func withQuery(base string, values map[string]string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid listing url %s: %w", base, err)
	}
	query := parsed.Query()
	for k, v := range values {
		query.Set(k, v)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
