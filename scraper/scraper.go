// Package scraper holds the pieces shared by the source connectors: the
// retrying JSON transport, the politeness pause and the page accumulator
// that runs each document through its source's normalizer.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"megler-scraper/config"
	"megler-scraper/models"
	"megler-scraper/services"
	"megler-scraper/utils"
)

// Options are the run parameters every connector shares.
type Options struct {
	MinSleepMs     int
	MaxSleepMs     int
	MaxPages       int // 0 means no limit
	CommissionRate float64

	// Now stamps last_seen_at for each fetched page. Defaults to time.Now.
	Now func() time.Time
}

// NewOptions extracts the connector options from the run configuration.
func NewOptions(cfg *config.Config) Options {
	return Options{
		MinSleepMs:     cfg.MinSleepMs,
		MaxSleepMs:     cfg.MaxSleepMs,
		MaxPages:       cfg.MaxPages,
		CommissionRate: cfg.CommissionRate,
	}
}

// Batch builds the normalizer inputs for a page fetched now.
func (o Options) Batch(snapshotAt time.Time) services.Batch {
	return services.Batch{
		SnapshotAt:     snapshotAt,
		SeenAt:         o.SeenAt(),
		CommissionRate: o.CommissionRate,
	}
}

// LastPage reports whether page (1-based) reached the MaxPages cap.
func (o Options) LastPage(page int) bool {
	return o.MaxPages > 0 && page >= o.MaxPages
}

// SeenAt returns the fetch timestamp for a page.
func (o Options) SeenAt() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Pause waits a uniformly random duration in [minMs, maxMs] between page
// requests. It returns early with the context error on cancellation.
func Pause(ctx context.Context, minMs, maxMs int) error {
	if maxMs <= 0 {
		return ctx.Err()
	}
	if maxMs < minMs {
		maxMs = minMs
	}
	ms := minMs
	if span := maxMs - minMs; span > 0 {
		ms += rand.Intn(span + 1)
	}
	return utils.Sleep(ctx, time.Duration(ms)*time.Millisecond)
}

// Pager accumulates the canonical records of one connector run. Documents
// that fail to normalize are logged and skipped. A record whose natural key
// was already emitted earlier in the run replaces the earlier one in place,
// so the last normalized version wins and the first-seen order is kept.
type Pager struct {
	source    models.Source
	tag       string
	normalize services.NormalizeFunc
	logger    *utils.Logger
	index     map[string]int

	rows       []*models.Listing
	documents  int
	skipped    int
	duplicates int
}

// NewPager creates a Pager for one source. tag prefixes log lines, e.g. "dnb".
func NewPager(source models.Source, tag string, normalize services.NormalizeFunc, logger *utils.Logger) *Pager {
	return &Pager{
		source:    source,
		tag:       tag,
		normalize: normalize,
		logger:    logger,
		index:     make(map[string]int),
	}
}

// AddPage normalizes one page of raw documents and returns how many new
// records it contributed.
func (p *Pager) AddPage(docs []json.RawMessage, batch services.Batch) int {
	added := 0
	for _, doc := range docs {
		p.documents++
		rows, err := p.normalize(doc, batch)
		if err != nil {
			p.skipped++
			p.logger.Warn("[%s] Failed to normalize %s document id=%s: %v", p.tag, p.source, rawID(doc), err)
			continue
		}
		for _, row := range rows {
			key := row.NaturalKey()
			if i, dup := p.index[key]; dup {
				p.duplicates++
				p.rows[i] = row
				p.logger.Debug("[%s] Duplicate record replaced: %s", p.tag, key)
				continue
			}
			p.index[key] = len(p.rows)
			p.rows = append(p.rows, row)
			added++
		}
	}
	return added
}

// Rows returns the records collected so far in normalization order.
func (p *Pager) Rows() []*models.Listing { return p.rows }

// Stats reports documents seen, documents skipped and duplicate records replaced.
func (p *Pager) Stats() (documents, skipped, duplicates int) {
	return p.documents, p.skipped, p.duplicates
}

// rawID pulls a best-effort identifier out of a document for log context.
func rawID(doc json.RawMessage) string {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil || probe.ID == nil {
		return "?"
	}
	return fmt.Sprint(probe.ID)
}
