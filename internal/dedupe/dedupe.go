// Package dedupe decides whether an incoming discovery already exists and
// merges re-observations into the stored version.
//
// The identity key is (source, sourceNativeId). Lookups go through the
// store's key index, so resolution is a single indexed read:
//
//	res, err := dedupe.Resolve(ctx, record, store)
//	if err != nil {
//	    return err
//	}
//	if res.IsNew {
//	    log.Printf("new discovery %s", res.Record.ID)
//	}
package dedupe

import (
	"context"
	"errors"
	"fmt"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/ports"
)

// Resolution is the outcome of checking one record against the store.
type Resolution struct {
	// IsNew is true when no record with the same identity key exists.
	IsNew bool `json:"is_new"`

	// MatchingID is the id of the stored record; empty when IsNew.
	MatchingID string `json:"matching_id,omitempty"`

	// Record is what should be persisted: the incoming record when new,
	// otherwise the stored record merged with the incoming mutable fields.
	Record domain.DiscoveryRecord `json:"record"`
}

// Resolve looks up rec's identity key and applies the merge policy.
// It has no side effects.
func Resolve(ctx context.Context, rec domain.DiscoveryRecord, lookup ports.RecordLookup) (Resolution, error) {
	existing, err := lookup.GetByKey(ctx, rec.Key())
	if errors.Is(err, domain.ErrNotFound) {
		return Resolution{IsNew: true, Record: rec}, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("lookup %s: %w", rec.Key(), err)
	}
	return Resolution{
		IsNew:      false,
		MatchingID: existing.ID,
		Record:     existing.MergeFrom(rec),
	}, nil
}

// Batch collapses repeated identity keys inside one incoming batch,
// keeping the first occurrence, so a source listing an item twice
// produces one upsert in listing order.
func Batch(records []domain.DiscoveryRecord) ([]domain.DiscoveryRecord, int) {
	seen := make(map[domain.IdentityKey]struct{}, len(records))
	out := make([]domain.DiscoveryRecord, 0, len(records))
	dropped := 0
	for _, rec := range records {
		if _, ok := seen[rec.Key()]; ok {
			dropped++
			continue
		}
		seen[rec.Key()] = struct{}{}
		out = append(out, rec)
	}
	return out, dropped
}
