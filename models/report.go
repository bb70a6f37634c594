package models

import "time"

// SourceResult is what one connector contributed to a run.
type SourceResult struct {
	Name     string
	Source   Source
	Rows     int
	Err      error
	Artifact string
	Duration time.Duration
}

// Failed reports whether the connector aborted before finishing pagination.
func (r SourceResult) Failed() bool { return r.Err != nil }

// UpsertResult counts what the store accepted from one batch.
type UpsertResult struct {
	HistoryInserted int
	LatestWritten   int
}

// StoreCounts are the row counts of the two persisted relations.
type StoreCounts struct {
	History int64
	Latest  int64
}

// RunReport summarises one orchestrator run.
type RunReport struct {
	RunID      string
	SnapshotAt time.Time
	Sources    []SourceResult
	TotalRows  int
	Artifact   string
	Upsert     *UpsertResult
	Stored     *StoreCounts
	Duration   time.Duration
}

// Summary holds the computed analytics over a run's canonical batch.
type Summary struct {
	TotalRecords    int
	UniqueListings  int
	BySource        map[Source]int
	Sold            int
	Priced          int
	AveragePrice    float64
	TotalCommission int64
	ByPriceBucket   map[string]int
	BySegment       map[string]int
	TopCities       []CityCount
}

// CityCount is one row of Summary.TopCities.
type CityCount struct {
	City  string
	Count int
}
