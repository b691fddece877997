package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies an upstream content provider.
type Source string

const (
	SourceGitHub      Source = "github"
	SourceHuggingFace Source = "huggingface"
	SourceArxiv       Source = "arxiv"
)

// Sources lists every supported provider in a stable order.
func Sources() []Source {
	return []Source{SourceGitHub, SourceHuggingFace, SourceArxiv}
}

// Valid reports whether s is one of the supported providers.
func (s Source) Valid() bool {
	switch s {
	case SourceGitHub, SourceHuggingFace, SourceArxiv:
		return true
	default:
		return false
	}
}

// ParseSource maps a user supplied value onto a Source.
func ParseSource(value string) (Source, bool) {
	s := Source(strings.ToLower(strings.TrimSpace(value)))
	return s, s.Valid()
}

// Category is a value from the closed discovery taxonomy.
type Category string

const (
	CategoryNLP                   Category = "NLP"
	CategoryComputerVision        Category = "Computer Vision"
	CategoryMultimodal            Category = "Multimodal"
	CategoryCode                  Category = "Code"
	CategoryHealthcare            Category = "Healthcare"
	CategoryQuantumAI             Category = "Quantum AI"
	CategoryReinforcementLearning Category = "Reinforcement Learning"
	CategoryRobotics              Category = "Robotics"
	CategoryAudioAI               Category = "Audio AI"
	CategoryLLM                   Category = "Large Language Models"
	CategoryOther                 Category = "Other"
)

// Categories returns the whole taxonomy.
func Categories() []Category {
	return []Category{
		CategoryNLP,
		CategoryComputerVision,
		CategoryMultimodal,
		CategoryCode,
		CategoryHealthcare,
		CategoryQuantumAI,
		CategoryReinforcementLearning,
		CategoryRobotics,
		CategoryAudioAI,
		CategoryLLM,
		CategoryOther,
	}
}

// Valid reports whether c belongs to the taxonomy.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory matches value case-insensitively against the taxonomy.
func ParseCategory(value string) (Category, bool) {
	value = strings.TrimSpace(value)
	for _, known := range Categories() {
		if strings.EqualFold(string(known), value) {
			return known, true
		}
	}
	return "", false
}

// RawItem is what a source adapter hands to the normalizer. Nothing
// source-specific leaks past this shape.
type RawItem struct {
	Source      Source
	NativeID    string
	Title       string
	Description string
	URL         string
	ImageURL    string
	Authors     string
	Language    string
	Tags        []string
	Popularity  *float64
	PublishedAt time.Time
	Listing     string
	// Rank is the 1-based position inside the adapter output.
	Rank int
}

// IdentityKey is the deduplication key of a discovery.
type IdentityKey struct {
	Source   Source
	NativeID string
}

func (k IdentityKey) String() string {
	return string(k.Source) + ":" + k.NativeID
}

var recordNamespace = uuid.MustParse("6f1c7f4e-8f2b-5d7a-9c1e-2a4b6d8f0a13")

// RecordID derives the stable record id for an identity key.
func RecordID(key IdentityKey) string {
	return uuid.NewSHA1(recordNamespace, []byte(key.String())).String()
}

// DiscoveryRecord is the canonical stored discovery.
type DiscoveryRecord struct {
	ID          string    `json:"id" bson:"_id"`
	Source      Source    `json:"source" bson:"source"`
	NativeID    string    `json:"sourceNativeId" bson:"sourceNativeId"`
	Title       string    `json:"title" bson:"title"`
	Summary     string    `json:"summary" bson:"summary"`
	URL         string    `json:"url" bson:"url"`
	Category    Category  `json:"category" bson:"category"`
	Tags        []string  `json:"tags" bson:"tags"`
	Popularity  *float64  `json:"popularity,omitempty" bson:"popularity,omitempty"`
	PublishedAt time.Time `json:"publishedAt" bson:"publishedAt"`
	FetchedAt   time.Time `json:"fetchedAt" bson:"fetchedAt"`
	ImageURL    string    `json:"imageUrl,omitempty" bson:"imageUrl,omitempty"`
	Stale       bool      `json:"stale" bson:"stale"`
}

// Key returns the identity key of the record.
func (r DiscoveryRecord) Key() IdentityKey {
	return IdentityKey{Source: r.Source, NativeID: r.NativeID}
}

// MergeFrom applies the re-observation policy: mutable fields take the
// incoming value, identity and publication date stay as first observed.
func (r DiscoveryRecord) MergeFrom(incoming DiscoveryRecord) DiscoveryRecord {
	merged := incoming
	merged.ID = r.ID
	merged.Source = r.Source
	merged.NativeID = r.NativeID
	merged.PublishedAt = r.PublishedAt
	merged.Stale = false
	if merged.FetchedAt.Before(r.FetchedAt) {
		merged.FetchedAt = r.FetchedAt
	}
	return merged
}

// Clone returns a deep copy so stores never share slices with callers.
func (r DiscoveryRecord) Clone() DiscoveryRecord {
	out := r
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Popularity != nil {
		p := *r.Popularity
		out.Popularity = &p
	}
	return out
}
