package storage

import (
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed-width so stored timestamps compare correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// dialect captures what differs between the supported SQL backends.
type dialect struct {
	name       string
	sqlDriver  string
	idColumn   string
	timeType   string
	boolType   string
	positional bool
}

var dialects = map[string]dialect{
	"postgres": {
		name:       "postgres",
		sqlDriver:  "postgres",
		idColumn:   "id BIGSERIAL PRIMARY KEY",
		timeType:   "TIMESTAMPTZ",
		boolType:   "BOOLEAN",
		positional: true,
	},
	"pgx": {
		name:       "pgx",
		sqlDriver:  "pgx",
		idColumn:   "id BIGSERIAL PRIMARY KEY",
		timeType:   "TIMESTAMPTZ",
		boolType:   "BOOLEAN",
		positional: true,
	},
	"sqlite": {
		name:      "sqlite",
		sqlDriver: "sqlite",
		idColumn:  "id INTEGER PRIMARY KEY AUTOINCREMENT",
		// TEXT keeps the driver from reparsing values on scan.
		timeType: "TEXT",
		boolType: "INTEGER",
	},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("store: unsupported driver %q", driver)
	}
	return d, nil
}

// placeholder returns the bind marker for the n-th (1-based) argument.
func (d dialect) placeholder(n int) string {
	if d.positional {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// timeArg binds a timestamp in the backend's native form.
func (d dialect) timeArg(t time.Time) any {
	if d.positional {
		return t.UTC()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func (d dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

func (d dialect) schema() []string {
	columns := fmt.Sprintf(`
			source         TEXT NOT NULL,
			listing_id     TEXT NOT NULL,
			title          TEXT,
			address        TEXT,
			city           TEXT,
			district       TEXT,
			chain          TEXT,
			broker         TEXT,
			price          BIGINT,
			commission_est BIGINT,
			status         TEXT,
			published      %[1]s,
			property_type  TEXT,
			segment        TEXT,
			price_bucket   TEXT,
			broker_role    TEXT,
			role           TEXT,
			is_sold        %[2]s NOT NULL DEFAULT FALSE,
			last_seen_at   %[1]s NOT NULL,
			snapshot_at    %[1]s NOT NULL`, d.timeType, d.boolType)

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS listings (
			%s,%s
		)`, d.idColumn, columns),
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_listings_snapshot
			ON listings (source, listing_id, COALESCE(broker, ''), snapshot_at)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_snapshot_at ON listings (snapshot_at)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_broker ON listings (broker)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS listings_latest (%s,
			PRIMARY KEY (source, listing_id)
		)`, columns),
		`CREATE INDEX IF NOT EXISTS idx_listings_latest_city ON listings_latest (city)`,
	}
}
