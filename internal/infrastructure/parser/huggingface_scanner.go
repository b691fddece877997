package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/scanner"
)

const (
	hfThumbnailBase = "https://cdn-thumbnails.huggingface.co/social-thumbnails/models/"
	hfDefaultLimit  = 100
)

// hfModel mirrors the subset of /api/models the scanner reads.
type hfModel struct {
	ID          string    `json:"id"`
	ModelID     string    `json:"modelId"`
	Author      string    `json:"author"`
	Downloads   *float64  `json:"downloads"`
	Likes       *float64  `json:"likes"`
	Tags        []string  `json:"tags"`
	PipelineTag string    `json:"pipeline_tag"`
	LibraryName string    `json:"library_name"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HuggingFaceScanner reads model listings from the Hugging Face JSON API.
type HuggingFaceScanner struct {
	web    fetcher
	logger *slog.Logger
}

var _ scanner.Scanner = (*HuggingFaceScanner)(nil)

// NewHuggingFaceScanner wires an HTTP client.
func NewHuggingFaceScanner(client *http.Client, logger *slog.Logger) *HuggingFaceScanner {
	return &HuggingFaceScanner{web: newFetcher(client), logger: logger}
}

// Name identifies the strategy inside the registry.
func (h *HuggingFaceScanner) Name() domain.Source {
	return domain.SourceHuggingFace
}

// Scan queries every listing with limit=MaxItems. Options["popularity"]
// selects "likes" instead of the default download count.
func (h *HuggingFaceScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawItem, error) {
	if len(req.Listings) == 0 {
		return nil, fmt.Errorf("no listings provided for %s", h.Name())
	}

	limit := hfDefaultLimit
	if req.MaxItems > 0 {
		limit = req.MaxItems
	}
	byLikes := strings.EqualFold(req.Options["popularity"], "likes")
	collector := scanner.NewCollector(req.MaxItems)

	for _, listing := range req.Listings {
		if collector.Full() {
			break
		}
		pageURL, err := withQuery(listing.URL, map[string]string{"limit": strconv.Itoa(limit)})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", listing.Name, err)
		}

		var models []hfModel
		if err := h.web.fetchJSON(ctx, req.Limiter, pageURL, &models); err != nil {
			return nil, fmt.Errorf("listing %s: %w", listing.Name, err)
		}

		for _, m := range models {
			item, ok := modelItem(m, pageURL, listing.Name, byLikes)
			if !ok {
				h.debug("skip model without id", "listing", listing.Name)
				continue
			}
			if !collector.Add(item) {
				break
			}
		}
		h.debug("huggingface listing parsed", "listing", listing.Name, "models", len(models))
	}

	return collector.Items(), nil
}

func modelItem(m hfModel, pageURL, listing string, byLikes bool) (domain.RawItem, bool) {
	id := strings.TrimSpace(m.ID)
	if id == "" {
		id = strings.TrimSpace(m.ModelID)
	}
	if id == "" {
		return domain.RawItem{}, false
	}

	author := m.Author
	if author == "" {
		if owner, _, found := strings.Cut(id, "/"); found {
			author = owner
		}
	}

	// Hub tags mix plain topics with key:value metadata (license:mit, region:us).
	tags := make([]string, 0, len(m.Tags)+1)
	if m.PipelineTag != "" {
		tags = append(tags, m.PipelineTag)
	}
	for _, tag := range m.Tags {
		if strings.Contains(tag, ":") {
			continue
		}
		tags = append(tags, tag)
	}

	popularity := m.Downloads
	if byLikes {
		popularity = m.Likes
	}

	return domain.RawItem{
		Source:      domain.SourceHuggingFace,
		NativeID:    id,
		Title:       id,
		Description: modelDescription(m),
		URL:         resolveLink(pageURL, "/"+id),
		ImageURL:    hfThumbnailBase + id + ".png",
		Authors:     author,
		Tags:        tags,
		Popularity:  popularity,
		PublishedAt: m.CreatedAt,
		Listing:     listing,
	}, true
}

// modelDescription builds a one-line description; the listing API has no card text.
func modelDescription(m hfModel) string {
	var parts []string
	if m.PipelineTag != "" {
		parts = append(parts, strings.ReplaceAll(m.PipelineTag, "-", " ")+" model")
	}
	if m.LibraryName != "" {
		parts = append(parts, "for "+m.LibraryName)
	}
	return strings.Join(parts, " ")
}

func (h *HuggingFaceScanner) debug(msg string, args ...any) {
	if h.logger != nil {
		h.logger.Debug(msg, args...)
	}
}
