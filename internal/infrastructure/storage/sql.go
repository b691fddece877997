package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/ports"
)

// SQLStore persists discoveries and runs through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	sb      sq.StatementBuilderType
}

var _ ports.Store = (*SQLStore)(nil)

// OpenSQL connects with the dialect driver and applies the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.MaxConns > 0 {
		db.SetMaxOpenConns(dialect.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	store := NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wires an existing sql.DB implementation.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		sb:      sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
	}
}

// Migrate creates tables and indexes when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// Upsert inserts rec or merges it into the stored row inside one transaction.
func (s *SQLStore) Upsert(ctx context.Context, rec domain.DiscoveryRecord) (bool, error) {
	rec.ID = domain.RecordID(rec.Key())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &domain.StoreWriteError{Op: "upsert", Cause: err}
	}
	defer func() { _ = tx.Rollback() }()

	created, err := s.upsertTx(ctx, tx, rec)
	if err != nil {
		return false, &domain.StoreWriteError{Op: "upsert", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &domain.StoreWriteError{Op: "upsert", Cause: err}
	}
	return created, nil
}

func (s *SQLStore) upsertTx(ctx context.Context, tx *sql.Tx, rec domain.DiscoveryRecord) (bool, error) {
	query, args, err := s.sb.Insert(discoveriesTable).
		Columns(recordColumns...).
		Values(
			rec.ID, string(rec.Source), rec.NativeID, rec.Title, rec.Summary, rec.URL,
			string(rec.Category), nullFloat(rec.Popularity), toNanos(rec.PublishedAt),
			toNanos(rec.FetchedAt), rec.ImageURL, boolInt(rec.Stale),
		).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert discovery: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert discovery: %w", err)
	}
	created := inserted == 1

	if !created {
		// Identity columns and published_at keep their first-observed values.
		fetched := toNanos(rec.FetchedAt)
		query, args, err = s.sb.Update(discoveriesTable).
			Set("title", rec.Title).
			Set("summary", rec.Summary).
			Set("url", rec.URL).
			Set("category", string(rec.Category)).
			Set("popularity", nullFloat(rec.Popularity)).
			Set("image_url", rec.ImageURL).
			Set("stale", 0).
			Set("fetched_at", sq.Expr("CASE WHEN fetched_at > ? THEN fetched_at ELSE ? END", fetched, fetched)).
			Where(sq.Eq{"id": rec.ID}).
			ToSql()
		if err != nil {
			return false, fmt.Errorf("build update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return false, fmt.Errorf("update discovery: %w", err)
		}
	}

	if err := s.replaceTags(ctx, tx, rec.ID, rec.Tags); err != nil {
		return false, err
	}
	return created, nil
}

func (s *SQLStore) replaceTags(ctx context.Context, tx *sql.Tx, id string, tags []string) error {
	query, args, err := s.sb.Delete(tagsTable).Where(sq.Eq{"record_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build tag delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	if len(tags) == 0 {
		return nil
	}

	insert := s.sb.Insert(tagsTable).Columns("record_id", "ordinal", "tag")
	seen := map[string]bool{}
	for i, tag := range tags {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		insert = insert.Values(id, i, tag)
	}
	query, args, err = insert.ToSql()
	if err != nil {
		return fmt.Errorf("build tag insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert tags: %w", err)
	}
	return nil
}

// GetByKey resolves an identity key.
func (s *SQLStore) GetByKey(ctx context.Context, key domain.IdentityKey) (domain.DiscoveryRecord, error) {
	return s.Get(ctx, domain.RecordID(key))
}

// Get loads one record with its tags.
func (s *SQLStore) Get(ctx context.Context, id string) (domain.DiscoveryRecord, error) {
	records, err := s.selectRecords(ctx, s.sb.Select(recordColumns...).
		From(discoveriesTable).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.DiscoveryRecord{}, err
	}
	if len(records) == 0 {
		return domain.DiscoveryRecord{}, domain.ErrNotFound
	}
	return records[0], nil
}

// Query counts matches and loads the requested page in canonical order.
func (s *SQLStore) Query(ctx context.Context, filter domain.Filter) (domain.Page, error) {
	conds := filterConditions(filter)
	limit := filter.EffectiveLimit()
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query, args, err := s.sb.Select("COUNT(*)").From(discoveriesTable).Where(conds).ToSql()
	if err != nil {
		return domain.Page{}, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return domain.Page{}, fmt.Errorf("count discoveries: %w", err)
	}

	records, err := s.selectRecords(ctx, s.sb.Select(recordColumns...).
		From(discoveriesTable).
		Where(conds).
		OrderBy("published_at DESC", "id ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)))
	if err != nil {
		return domain.Page{}, err
	}

	return domain.Page{
		Records: records,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(records) < total,
	}, nil
}

func filterConditions(f domain.Filter) sq.And {
	conds := sq.And{}
	if len(f.Categories) > 0 {
		values := make([]string, 0, len(f.Categories))
		for _, c := range f.Categories {
			values = append(values, string(c))
		}
		conds = append(conds, sq.Eq{"category": values})
	}
	if len(f.Sources) > 0 {
		values := make([]string, 0, len(f.Sources))
		for _, src := range f.Sources {
			values = append(values, string(src))
		}
		conds = append(conds, sq.Eq{"source": values})
	}
	if len(f.Tags) > 0 {
		lowered := make([]string, 0, len(f.Tags))
		for _, tag := range f.Tags {
			lowered = append(lowered, strings.ToLower(tag))
		}
		sub := sq.Select("record_id").From(tagsTable).Where(sq.Eq{"LOWER(tag)": lowered})
		conds = append(conds, sq.Expr("id IN (?)", sub))
	}
	if !f.PublishedFrom.IsZero() {
		conds = append(conds, sq.GtOrEq{"published_at": toNanos(f.PublishedFrom)})
	}
	if !f.PublishedTo.IsZero() {
		conds = append(conds, sq.LtOrEq{"published_at": toNanos(f.PublishedTo)})
	}
	if f.Stale != nil {
		conds = append(conds, sq.Eq{"stale": boolInt(*f.Stale)})
	}
	if f.Text != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Text)) + "%"
		conds = append(conds, sq.Or{
			sq.Expr(`LOWER(title) LIKE ? ESCAPE '\'`, pattern),
			sq.Expr(`LOWER(summary) LIKE ? ESCAPE '\'`, pattern),
		})
	}
	return conds
}

func (s *SQLStore) selectRecords(ctx context.Context, builder sq.SelectBuilder) ([]domain.DiscoveryRecord, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query discoveries: %w", err)
	}

	records := []domain.DiscoveryRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}
	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	if err := s.loadTags(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (domain.DiscoveryRecord, error) {
	var (
		rec                domain.DiscoveryRecord
		source, category   string
		popularity         sql.NullFloat64
		published, fetched int64
		stale              int
	)
	if err := rows.Scan(&rec.ID, &source, &rec.NativeID, &rec.Title, &rec.Summary, &rec.URL,
		&category, &popularity, &published, &fetched, &rec.ImageURL, &stale); err != nil {
		return domain.DiscoveryRecord{}, fmt.Errorf("scan discovery: %w", err)
	}
	rec.Source = domain.Source(source)
	rec.Category = domain.Category(category)
	if popularity.Valid {
		p := popularity.Float64
		rec.Popularity = &p
	}
	rec.PublishedAt = fromNanos(published)
	rec.FetchedAt = fromNanos(fetched)
	rec.Stale = stale != 0
	return rec, nil
}

func (s *SQLStore) loadTags(ctx context.Context, records []domain.DiscoveryRecord) error {
	if len(records) == 0 {
		return nil
	}
	index := make(map[string]int, len(records))
	ids := make([]string, 0, len(records))
	for i, rec := range records {
		index[rec.ID] = i
		ids = append(ids, rec.ID)
	}

	query, args, err := s.sb.Select("record_id", "tag").
		From(tagsTable).
		Where(sq.Eq{"record_id": ids}).
		OrderBy("record_id", "ordinal").
		ToSql()
	if err != nil {
		return fmt.Errorf("build tag select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return fmt.Errorf("scan tag: %w", err)
		}
		if i, ok := index[id]; ok {
			records[i].Tags = append(records[i].Tags, tag)
		}
	}
	return rows.Err()
}

// Stats groups counts by category, source and staleness.
func (s *SQLStore) Stats(ctx context.Context) (domain.Stats, error) {
	query, args, err := s.sb.Select("category", "source", "stale", "COUNT(*)").
		From(discoveriesTable).
		GroupBy("category", "source", "stale").
		ToSql()
	if err != nil {
		return domain.Stats{}, fmt.Errorf("build stats: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	st := domain.NewStats()
	for rows.Next() {
		var (
			category, source string
			stale, count     int
		)
		if err := rows.Scan(&category, &source, &stale, &count); err != nil {
			return domain.Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		st.Total += count
		st.ByCategory[domain.Category(category)] += count
		st.BySource[domain.Source(source)] += count
		if stale != 0 {
			st.Stale += count
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Stats{}, fmt.Errorf("rows iteration: %w", err)
	}
	return st, nil
}

// MarkStale flags records of source not fetched since cutoff.
func (s *SQLStore) MarkStale(ctx context.Context, source domain.Source, cutoff time.Time) (int, error) {
	query, args, err := s.sb.Update(discoveriesTable).
		Set("stale", 1).
		Where(sq.Eq{"source": string(source), "stale": 0}).
		Where(sq.Lt{"fetched_at": toNanos(cutoff)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build mark stale: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &domain.StoreWriteError{Op: "mark stale", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &domain.StoreWriteError{Op: "mark stale", Cause: err}
	}
	return int(n), nil
}

// SaveRun inserts or replaces a run row.
func (s *SQLStore) SaveRun(ctx context.Context, run domain.AggregationRun) error {
	perSource, err := json.Marshal(run.PerSourceStatus)
	if err != nil {
		return &domain.StoreWriteError{Op: "save run", Cause: err}
	}

	query, args, err := s.sb.Insert(runsTable).
		Columns("id", "trigger_kind", "status", "started_at", "finished_at", "per_source", "error").
		Values(run.ID, string(run.Trigger), string(run.Status), toNanos(run.StartedAt),
			toNanos(run.FinishedAt), string(perSource), run.Error).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			per_source = EXCLUDED.per_source,
			error = EXCLUDED.error`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build save run: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &domain.StoreWriteError{Op: "save run", Cause: err}
	}
	return nil
}

// LatestRun returns the most recently started run.
func (s *SQLStore) LatestRun(ctx context.Context) (domain.AggregationRun, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil {
		return domain.AggregationRun{}, err
	}
	if len(runs) == 0 {
		return domain.AggregationRun{}, domain.ErrNotFound
	}
	return runs[0], nil
}

// Runs lists runs newest first; limit <= 0 returns all of them.
func (s *SQLStore) Runs(ctx context.Context, limit int) ([]domain.AggregationRun, error) {
	builder := s.sb.Select("id", "trigger_kind", "status", "started_at", "finished_at", "per_source", "error").
		From(runsTable).
		OrderBy("started_at DESC", "id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.AggregationRun{}
	for rows.Next() {
		var (
			run                     domain.AggregationRun
			trigger, status, states string
			started, finished       int64
		)
		if err := rows.Scan(&run.ID, &trigger, &status, &started, &finished, &states, &run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Trigger = domain.Trigger(trigger)
		run.Status = domain.RunStatus(status)
		run.StartedAt = fromNanos(started)
		run.FinishedAt = fromNanos(finished)
		if err := json.Unmarshal([]byte(states), &run.PerSourceStatus); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return runs, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close(context.Context) error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("close %s: %w", s.dialect.Name, err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
