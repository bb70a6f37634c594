package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TimeLayout renders every listing timestamp in snapshot files: RFC 3339,
// UTC, microsecond precision.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Source identifies the API a listing was collected from.
type Source string

const (
	SourceDNB  Source = "DNB"
	SourceHjem Source = "Hjem.no"
)

// Normalized status vocabulary shared by every source.
const (
	StatusUnknown   = "unknown"
	StatusAvailable = "available"
	StatusSold      = "sold"
	StatusReserved  = "reserved"
	StatusComing    = "coming"
	StatusInactive  = "inactive"
	StatusArchived  = "archived"
)

// Columns is the fixed field order of a Listing. Snapshot files and the SQL
// relations both use it.
var Columns = []string{
	"source",
	"listing_id",
	"title",
	"address",
	"city",
	"district",
	"chain",
	"broker",
	"price",
	"commission_est",
	"status",
	"published",
	"property_type",
	"segment",
	"price_bucket",
	"broker_role",
	"role",
	"is_sold",
	"last_seen_at",
	"snapshot_at",
}

// Listing is the canonical record produced by the normalizers. One source
// document with N brokers yields N Listings that differ only in Broker,
// BrokerRole and Role. A Listing is not modified after it is built.
type Listing struct {
	Source        Source     `json:"source"`
	ListingID     string     `json:"listing_id"`
	Title         *string    `json:"title"`
	Address       *string    `json:"address"`
	City          *string    `json:"city"`
	District      *string    `json:"district"`
	Chain         *string    `json:"chain"`
	Broker        *string    `json:"broker"`
	Price         *int64     `json:"price"`
	CommissionEst *int64     `json:"commission_est"`
	Status        *string    `json:"status"`
	Published     *time.Time `json:"published"`
	PropertyType  *string    `json:"property_type"`
	Segment       *string    `json:"segment"`
	PriceBucket   *string    `json:"price_bucket"`
	BrokerRole    *string    `json:"broker_role"`
	Role          *string    `json:"role"`
	IsSold        bool       `json:"is_sold"`
	LastSeenAt    time.Time  `json:"last_seen_at"`
	SnapshotAt    time.Time  `json:"snapshot_at"`
}

// NaturalKey identifies one fan-out record within a snapshot.
func (l *Listing) NaturalKey() string {
	return string(l.Source) + "|" + l.ListingID + "|" + StringValue(l.Broker)
}

// LatestKey identifies the listing's row in the latest-state relation.
func (l *Listing) LatestKey() string {
	return string(l.Source) + "|" + l.ListingID
}

// MarshalJSON writes the timestamps with TimeLayout in UTC so the JSON
// snapshot matches the CSV one cell for cell.
func (l Listing) MarshalJSON() ([]byte, error) {
	type plain Listing
	var published *string
	if l.Published != nil {
		p := l.Published.UTC().Format(TimeLayout)
		published = &p
	}
	return json.Marshal(struct {
		plain
		Published  *string `json:"published"`
		LastSeenAt string  `json:"last_seen_at"`
		SnapshotAt string  `json:"snapshot_at"`
	}{
		plain:      plain(l),
		Published:  published,
		LastSeenAt: l.LastSeenAt.UTC().Format(TimeLayout),
		SnapshotAt: l.SnapshotAt.UTC().Format(TimeLayout),
	})
}

// StringPtr returns a pointer to the trimmed value, or nil when it is empty.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// StringValue dereferences p, returning "" for nil.
func StringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
