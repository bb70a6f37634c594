package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"megler-scraper/models"
	"megler-scraper/utils"
)

const batchSize = 50

// Store persists canonical records into an append-only history relation
// (listings) and a latest-state relation (listings_latest).
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *utils.Logger
}

// Open connects with the named driver (postgres, pgx or sqlite), waits for
// the database to answer and creates the schema.
func Open(ctx context.Context, driver, dsn string, logger *utils.Logger) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}

	if d.name == "sqlite" {
		if err := ensureFileDir(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", d.name, err)
	}
	if d.name == "sqlite" {
		// One writer at a time; concurrent connections would hit SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	ping := &utils.RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Logger:      logger,
	}
	if err := ping.Do(ctx, "store ping", db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping failed after retries: %w", err)
	}

	s := &Store{db: db, dialect: d, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	logger.Info("[store] Connected (%s), schema ready", d.name)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Upsert writes rows to both relations in one transaction. History rows that
// already exist for the same snapshot are left alone; a latest-state row is
// only replaced by a record whose snapshot is not older. Any failure rolls
// back both relations.
func (s *Store) Upsert(ctx context.Context, rows []*models.Listing) (models.UpsertResult, error) {
	var res models.UpsertResult
	if len(rows) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < len(rows); i += batchSize {
		if err := ctx.Err(); err != nil {
			return models.UpsertResult{}, fmt.Errorf("store: upsert: %w", err)
		}
		end := min(i+batchSize, len(rows))
		n, err := s.insertHistory(ctx, tx, rows[i:end])
		if err != nil {
			return models.UpsertResult{}, fmt.Errorf("store: insert history: %w", err)
		}
		res.HistoryInserted += n
	}

	latest := reduceLatest(rows)
	for i := 0; i < len(latest); i += batchSize {
		if err := ctx.Err(); err != nil {
			return models.UpsertResult{}, fmt.Errorf("store: upsert: %w", err)
		}
		end := min(i+batchSize, len(latest))
		n, err := s.upsertLatest(ctx, tx, latest[i:end])
		if err != nil {
			return models.UpsertResult{}, fmt.Errorf("store: upsert latest: %w", err)
		}
		res.LatestWritten += n
	}

	if err := tx.Commit(); err != nil {
		return models.UpsertResult{}, fmt.Errorf("store: commit: %w", err)
	}
	s.logger.Info("[store] Upserted %d records: %d new history rows, %d latest rows written",
		len(rows), res.HistoryInserted, res.LatestWritten)
	return res, nil
}

// reduceLatest keeps the last record per (source, listing_id), in order of
// first appearance. A multi-row upsert may not touch the same key twice.
func reduceLatest(rows []*models.Listing) []*models.Listing {
	index := make(map[string]int, len(rows))
	var out []*models.Listing
	for _, r := range rows {
		key := r.LatestKey()
		if i, ok := index[key]; ok {
			out[i] = r
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}

func (s *Store) insertHistory(ctx context.Context, tx *sql.Tx, batch []*models.Listing) (int, error) {
	values, args := s.valueList(batch)
	query := fmt.Sprintf(`
		INSERT INTO listings (%s)
		VALUES %s
		ON CONFLICT DO NOTHING
	`, strings.Join(models.Columns, ", "), values)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *Store) upsertLatest(ctx context.Context, tx *sql.Tx, batch []*models.Listing) (int, error) {
	values, args := s.valueList(batch)

	var set []string
	for _, col := range models.Columns {
		if col == "source" || col == "listing_id" {
			continue
		}
		set = append(set, col+" = excluded."+col)
	}
	query := fmt.Sprintf(`
		INSERT INTO listings_latest (%s)
		VALUES %s
		ON CONFLICT (source, listing_id) DO UPDATE SET %s
		WHERE listings_latest.snapshot_at <= excluded.snapshot_at
	`, strings.Join(models.Columns, ", "), values, strings.Join(set, ", "))

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// valueList builds the multi-row VALUES clause and its arguments in
// models.Columns order.
func (s *Store) valueList(batch []*models.Listing) (string, []any) {
	width := len(models.Columns)
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]any, 0, len(batch)*width)

	for idx, l := range batch {
		marks := make([]string, width)
		for j := range marks {
			marks[j] = s.dialect.placeholder(idx*width + j + 1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(marks, ",")+")")
		valueArgs = append(valueArgs,
			string(l.Source),
			l.ListingID,
			nullString(l.Title),
			nullString(l.Address),
			nullString(l.City),
			nullString(l.District),
			nullString(l.Chain),
			nullString(l.Broker),
			nullInt(l.Price),
			nullInt(l.CommissionEst),
			nullString(l.Status),
			s.dialect.nullTimeArg(l.Published),
			nullString(l.PropertyType),
			nullString(l.Segment),
			nullString(l.PriceBucket),
			nullString(l.BrokerRole),
			nullString(l.Role),
			l.IsSold,
			s.dialect.timeArg(l.LastSeenAt),
			s.dialect.timeArg(l.SnapshotAt),
		)
	}
	return strings.Join(valueStrings, ","), valueArgs
}

// Counts returns the number of rows in both relations.
func (s *Store) Counts(ctx context.Context) (models.StoreCounts, error) {
	var c models.StoreCounts
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM listings").Scan(&c.History); err != nil {
		return c, fmt.Errorf("store: count listings: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM listings_latest").Scan(&c.Latest); err != nil {
		return c, fmt.Errorf("store: count listings_latest: %w", err)
	}
	return c, nil
}

// fetchLatest retrieves the latest-state relation ordered by key.
func (s *Store) fetchLatest(ctx context.Context) ([]*models.Listing, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM listings_latest
		ORDER BY source, listing_id
	`, strings.Join(models.Columns, ", "))
	return s.fetch(ctx, query)
}

// fetchHistory retrieves every history row in insertion order.
func (s *Store) fetchHistory(ctx context.Context) ([]*models.Listing, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM listings
		ORDER BY id
	`, strings.Join(models.Columns, ", "))
	return s.fetch(ctx, query)
}

func (s *Store) fetch(ctx context.Context, query string) ([]*models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: fetch: %w", err)
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		var (
			l         models.Listing
			source    string
			published timeValue
			lastSeen  timeValue
			snapshot  timeValue
		)
		if err := rows.Scan(
			&source, &l.ListingID, &l.Title, &l.Address, &l.City, &l.District,
			&l.Chain, &l.Broker, &l.Price, &l.CommissionEst, &l.Status, &published,
			&l.PropertyType, &l.Segment, &l.PriceBucket, &l.BrokerRole, &l.Role,
			&l.IsSold, &lastSeen, &snapshot,
		); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		l.Source = models.Source(source)
		l.Published = published.ptr()
		l.LastSeenAt = lastSeen.t
		l.SnapshotAt = snapshot.t
		listings = append(listings, &l)
	}
	return listings, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ensureFileDir creates the parent directory of a plain sqlite file path.
// URIs and in-memory databases are left alone.
func ensureFileDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return fmt.Errorf("store: create sqlite dir: %w", err)
	}
	return nil
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// timeValue scans a timestamp stored natively or as fixed-width text.
type timeValue struct {
	t     time.Time
	valid bool
}

func (v *timeValue) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		v.valid = false
		return nil
	case time.Time:
		v.t, v.valid = x.UTC(), true
		return nil
	case string:
		return v.parse(x)
	case []byte:
		return v.parse(string(x))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (v *timeValue) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	v.t, v.valid = t.UTC(), true
	return nil
}

func (v timeValue) ptr() *time.Time {
	if !v.valid {
		return nil
	}
	t := v.t
	return &t
}
