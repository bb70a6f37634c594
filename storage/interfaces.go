package storage

import (
	"context"
	"time"

	"megler-scraper/models"
)

// SnapshotSink is the interface any snapshot artifact writer must satisfy.
type SnapshotSink interface {
	WriteSnapshot(label string, snapshotAt time.Time, rows []*models.Listing) (string, error)
}

// ListingStore is the interface any persistence backend must satisfy.
type ListingStore interface {
	Upsert(ctx context.Context, rows []*models.Listing) (models.UpsertResult, error)
	Counts(ctx context.Context) (models.StoreCounts, error)
	Close() error
}
