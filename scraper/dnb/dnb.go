// Package dnb collects residential listings from the DNB Eiendom search API.
package dnb

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

const tag = "dnb"

const searchFilter = "(status eq 2 and projectRelation eq 3 or (projectRelation eq 1 and status ne 99)) " +
	"and status ne 3 and status ne null and not (projectRelation eq 1 and status eq 99) " +
	"and not (projectRelation eq 2 and status eq 99)"

var selectFields = []string{
	"id", "size", "area", "units", "areas", "noOfBedRooms", "propertyBaseType",
	"propertyTypeId", "ownership", "heading", "showings", "assignmentNum",
	"forSaleDate", "created", "status", "locations", "media", "price", "brokers",
}

type searchRequest struct {
	Facets  []string `json:"facets"`
	Filter  string   `json:"filter"`
	OrderBy []string `json:"orderBy"`
	Select  []string `json:"select"`
	Skip    int      `json:"skip"`
	Top     int      `json:"top"`
}

type searchResponse struct {
	Documents  []json.RawMessage `json:"documents"`
	TotalCount json.Number       `json:"totalCount"`
}

// Connector pages through the DNB search endpoint with skip/top offsets.
type Connector struct {
	client  *scraper.Client
	url     string
	referer string
	top     int
	opts    scraper.Options
	logger  *utils.Logger
}

// New creates a DNB connector using the shared transport.
func New(cfg *config.Config, client *scraper.Client, logger *utils.Logger) *Connector {
	top := cfg.DNB.PageSize
	if top <= 0 {
		top = 24
	}
	return &Connector{
		client:  client,
		url:     cfg.DNB.URL,
		referer: cfg.DNB.Referer,
		top:     top,
		opts:    scraper.NewOptions(cfg),
		logger:  logger,
	}
}

func (c *Connector) Name() string { return tag }

func (c *Connector) Source() models.Source { return models.SourceDNB }

// Collect fetches every page until the listing set is exhausted. On failure
// it returns the records gathered so far together with the error.
func (c *Connector) Collect(ctx context.Context, snapshotAt time.Time) ([]*models.Listing, error) {
	pager := scraper.NewPager(models.SourceDNB, tag, Normalize, c.logger)
	headers := map[string]string{"Referer": c.referer}

	skip := 0
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return pager.Rows(), fmt.Errorf("dnb: collect: %w", err)
		}

		c.logger.Info("[%s] Fetching skip=%d top=%d", tag, skip, c.top)
		req := searchRequest{
			Facets:  []string{},
			Filter:  searchFilter,
			OrderBy: []string{"forSaleDate desc", "created desc"},
			Select:  selectFields,
			Skip:    skip,
			Top:     c.top,
		}
		var resp searchResponse
		if err := c.client.PostJSON(ctx, c.url, headers, req, &resp); err != nil {
			return pager.Rows(), fmt.Errorf("dnb: fetch skip=%d: %w", skip, err)
		}

		if len(resp.Documents) == 0 {
			c.logger.Info("[%s] No more results at skip=%d", tag, skip)
			break
		}

		added := pager.AddPage(resp.Documents, c.opts.Batch(snapshotAt))
		c.logger.Info("[%s] Page %d: %d documents, %d records (total %d)",
			tag, page, len(resp.Documents), added, len(pager.Rows()))

		skip += c.top
		if total, err := resp.TotalCount.Int64(); err == nil && total > 0 && int64(skip) >= total {
			break
		}
		if len(resp.Documents) < c.top {
			break
		}
		if c.opts.LastPage(page) {
			c.logger.Info("[%s] Page cap %d reached", tag, c.opts.MaxPages)
			break
		}

		if err := scraper.Pause(ctx, c.opts.MinSleepMs, c.opts.MaxSleepMs); err != nil {
			return pager.Rows(), fmt.Errorf("dnb: collect: %w", err)
		}
	}

	docs, skipped, dups := pager.Stats()
	c.logger.Info("[%s] Done: %d documents, %d skipped, %d duplicates, %d records",
		tag, docs, skipped, dups, len(pager.Rows()))
	return pager.Rows(), nil
}
