package services

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"megler-scraper/models"
	"megler-scraper/utils"
)

const topCities = 10

type SummaryService struct {
	logger *utils.Logger
	out    io.Writer
}

func NewSummaryService(logger *utils.Logger) *SummaryService {
	return &SummaryService{logger: logger, out: os.Stdout}
}

// Summarize computes run analytics. Record and per-source totals count every
// fan-out record; the remaining figures count each listing once, using its
// first record.
func Summarize(rows []*models.Listing) *models.Summary {
	s := &models.Summary{
		BySource:      make(map[models.Source]int),
		ByPriceBucket: make(map[string]int),
		BySegment:     make(map[string]int),
	}
	s.TotalRecords = len(rows)

	seen := utils.NewKeySet()
	cities := make(map[string]int)
	var priceTotal int64

	for _, l := range rows {
		s.BySource[l.Source]++
		if !seen.Add(l.LatestKey()) {
			continue
		}
		s.UniqueListings++

		if l.IsSold {
			s.Sold++
		}
		if l.Price != nil {
			s.Priced++
			priceTotal += *l.Price
		}
		if l.CommissionEst != nil {
			s.TotalCommission += *l.CommissionEst
		}
		if l.PriceBucket != nil {
			s.ByPriceBucket[*l.PriceBucket]++
		}
		if l.Segment != nil {
			s.BySegment[*l.Segment]++
		}
		if l.City != nil {
			cities[*l.City]++
		}
	}

	if s.Priced > 0 {
		s.AveragePrice = round2(float64(priceTotal) / float64(s.Priced))
	}

	for city, n := range cities {
		s.TopCities = append(s.TopCities, models.CityCount{City: city, Count: n})
	}
	sort.Slice(s.TopCities, func(i, j int) bool {
		if s.TopCities[i].Count != s.TopCities[j].Count {
			return s.TopCities[i].Count > s.TopCities[j].Count
		}
		return s.TopCities[i].City < s.TopCities[j].City
	})
	if len(s.TopCities) > topCities {
		s.TopCities = s.TopCities[:topCities]
	}
	return s
}

func (s *SummaryService) Print(report *models.RunReport, sum *models.Summary) {
	w := s.out
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  📊 LISTING SNAPSHOT SUMMARY\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Run\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Run id      : %s\n", report.RunID)
	fmt.Fprintf(w, "  Snapshot at : %s\n", report.SnapshotAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  Duration    : %s\n", report.Duration.Round(time.Millisecond))
	for _, src := range report.Sources {
		status := "\033[1;32mok\033[0m"
		if src.Failed() {
			status = "\033[1;31mfailed\033[0m"
		}
		fmt.Fprintf(w, "  %-11s : %6d records  %s  %s\n", src.Source, src.Rows, status, src.Artifact)
	}
	if report.Artifact != "" {
		fmt.Fprintf(w, "  Combined    : %s\n", report.Artifact)
	}
	if report.Upsert != nil {
		fmt.Fprintf(w, "  Stored      : %d new history rows, %d latest rows\n",
			report.Upsert.HistoryInserted, report.Upsert.LatestWritten)
	}
	if report.Stored != nil {
		fmt.Fprintf(w, "  Relations   : listings=%d listings_latest=%d\n",
			report.Stored.History, report.Stored.Latest)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Records          : \033[1m%d\033[0m\n", sum.TotalRecords)
	fmt.Fprintf(w, "  Unique listings  : \033[1m%d\033[0m\n", sum.UniqueListings)
	fmt.Fprintf(w, "  Sold             : \033[1m%d\033[0m\n", sum.Sold)
	fmt.Fprintf(w, "  With price       : \033[1m%d\033[0m\n", sum.Priced)
	if sum.Priced > 0 {
		fmt.Fprintf(w, "  Average price    : \033[1;32m%.0f NOK\033[0m\n", sum.AveragePrice)
		fmt.Fprintf(w, "  Est. commission  : \033[1;32m%d NOK\033[0m\n", sum.TotalCommission)
	}
	fmt.Fprintln(w)

	printCounts(w, "Price Buckets", thin, sum.ByPriceBucket)
	printCounts(w, "Segments", thin, sum.BySegment)

	fmt.Fprintf(w, "\033[1;33m  Top Cities\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(sum.TopCities) == 0 {
		fmt.Fprintf(w, "  No city data\n")
	}
	for i, c := range sum.TopCities {
		fmt.Fprintf(w, "  \033[1m%2d.\033[0m %-30s %d\n", i+1, truncate(c.City, 28), c.Count)
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func printCounts(w io.Writer, heading, thin string, counts map[string]int) {
	fmt.Fprintf(w, "\033[1;33m  %s\033[0m\n", heading)
	fmt.Fprintf(w, "  %s\n", thin)
	if len(counts) == 0 {
		fmt.Fprintf(w, "  No data\n\n")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, counts[k])
	}
	fmt.Fprintln(w)
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
