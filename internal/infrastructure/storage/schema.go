package storage

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Dialect captures the few differences between SQLite and Postgres.
type Dialect struct {
	Name        string
	DriverName  string
	Placeholder sq.PlaceholderFormat
	FloatType   string
	// MaxConns limits the pool; SQLite allows a single writer.
	MaxConns int
}

var (
	SQLite = Dialect{
		Name:        "sqlite",
		DriverName:  "sqlite3",
		Placeholder: sq.Question,
		FloatType:   "REAL",
		MaxConns:    1,
	}
	Postgres = Dialect{
		Name:        "postgres",
		DriverName:  "pgx",
		Placeholder: sq.Dollar,
		FloatType:   "DOUBLE PRECISION",
	}
)

const (
	discoveriesTable = "discoveries"
	tagsTable        = "discovery_tags"
	runsTable        = "aggregation_runs"
)

var recordColumns = []string{
	"id", "source", "native_id", "title", "summary", "url", "category",
	"popularity", "published_at", "fetched_at", "image_url", "stale",
}

func (d Dialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			native_id TEXT NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			category TEXT NOT NULL,
			popularity %s,
			published_at BIGINT NOT NULL,
			fetched_at BIGINT NOT NULL,
			image_url TEXT NOT NULL DEFAULT '',
			stale INTEGER NOT NULL DEFAULT 0,
			UNIQUE (source, native_id)
		)`, discoveriesTable, d.FloatType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_discoveries_order ON %s (published_at DESC, id ASC)`, discoveriesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_discoveries_source_fetched ON %s (source, fetched_at)`, discoveriesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			record_id TEXT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			tag TEXT NOT NULL,
			PRIMARY KEY (record_id, tag)
		)`, tagsTable, discoveriesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_discovery_tags_tag ON %s (tag)`, tagsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			trigger_kind TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL,
			per_source TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`, runsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_runs_started ON %s (started_at DESC)`, runsTable),
	}
}
