// Package hjem collects residential sale listings from the Hjem.no search
// gateway, restricted to a publish-date window.
package hjem

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"megler-scraper/config"
	"megler-scraper/models"
	"megler-scraper/scraper"
	"megler-scraper/utils"
)

const tag = "hjem"

// DefaultPublishFrom is the lower publish bound used when none is configured.
var DefaultPublishFrom = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type searchRequest struct {
	ListingType    string `json:"listing_type"`
	Order          string `json:"order"`
	Page           int    `json:"page"`
	Size           int    `json:"size"`
	View           string `json:"view"`
	PublishDateMin int64  `json:"publish_date_min"`
	PublishDateMax int64  `json:"publish_date_max"`
}

type searchResponse struct {
	Data []json.RawMessage `json:"data"`
}

// Connector pages through the Hjem search gateway with page/size paging.
type Connector struct {
	client      *scraper.Client
	url         string
	referer     string
	size        int
	publishFrom int64
	publishTo   int64
	opts        scraper.Options
	logger      *utils.Logger
}

// New creates a Hjem connector using the shared transport.
func New(cfg *config.Config, client *scraper.Client, logger *utils.Logger) *Connector {
	size := cfg.Hjem.PageSize
	if size <= 0 {
		size = 50
	}
	return &Connector{
		client:      client,
		url:         cfg.Hjem.URL,
		referer:     cfg.Hjem.Referer,
		size:        size,
		publishFrom: cfg.Hjem.PublishFrom,
		publishTo:   cfg.Hjem.PublishTo,
		opts:        scraper.NewOptions(cfg),
		logger:      logger,
	}
}

func (c *Connector) Name() string { return tag }

func (c *Connector) Source() models.Source { return models.SourceHjem }

// Window returns the publish-date bounds in unix seconds. An unset lower
// bound is 2024-01-01 UTC and an unset upper bound is now.
func (c *Connector) Window(now time.Time) (from, to int64) {
	from, to = c.publishFrom, c.publishTo
	if from <= 0 {
		from = DefaultPublishFrom.Unix()
	}
	if to <= 0 {
		to = now.Unix()
	}
	return from, to
}

// Collect fetches pages until a short or empty page. On failure it returns
// the records gathered so far together with the error.
func (c *Connector) Collect(ctx context.Context, snapshotAt time.Time) ([]*models.Listing, error) {
	pager := scraper.NewPager(models.SourceHjem, tag, Normalize, c.logger)
	headers := map[string]string{"Referer": c.referer}
	from, to := c.Window(snapshotAt)
	c.logger.Info("[%s] Publish window %d..%d", tag, from, to)

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return pager.Rows(), fmt.Errorf("hjem: collect: %w", err)
		}

		c.logger.Info("[%s] Fetching page=%d size=%d", tag, page, c.size)
		req := searchRequest{
			ListingType:    "residential_sale",
			Order:          "desc",
			Page:           page,
			Size:           c.size,
			View:           "list",
			PublishDateMin: from,
			PublishDateMax: to,
		}
		var resp searchResponse
		if err := c.client.PostJSON(ctx, c.url, headers, req, &resp); err != nil {
			return pager.Rows(), fmt.Errorf("hjem: fetch page=%d: %w", page, err)
		}

		if len(resp.Data) == 0 {
			c.logger.Info("[%s] No data at page=%d", tag, page)
			break
		}

		added := pager.AddPage(resp.Data, c.opts.Batch(snapshotAt))
		c.logger.Info("[%s] Page %d: %d documents, %d records (total %d)",
			tag, page, len(resp.Data), added, len(pager.Rows()))

		if len(resp.Data) < c.size {
			break
		}
		if c.opts.LastPage(page) {
			c.logger.Info("[%s] Page cap %d reached", tag, c.opts.MaxPages)
			break
		}

		if err := scraper.Pause(ctx, c.opts.MinSleepMs, c.opts.MaxSleepMs); err != nil {
			return pager.Rows(), fmt.Errorf("hjem: collect: %w", err)
		}
	}

	docs, skipped, dups := pager.Stats()
	c.logger.Info("[%s] Done: %d documents, %d skipped, %d duplicates, %d records",
		tag, docs, skipped, dups, len(pager.Rows()))
	return pager.Rows(), nil
}
