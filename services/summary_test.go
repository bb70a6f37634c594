package services

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"megler-scraper/models"
)

func sampleRows() []*models.Listing {
	return []*models.Listing{
		{Source: models.SourceDNB, ListingID: "1", Broker: strp("Kari"), City: strp("Oslo"),
			Price: intp(4_000_000), CommissionEst: intp(50_000), PriceBucket: strp("0-5M"), Segment: strp("Leilighet")},
		{Source: models.SourceDNB, ListingID: "1", Broker: strp("Ola"), City: strp("Oslo"),
			Price: intp(4_000_000), CommissionEst: intp(50_000), PriceBucket: strp("0-5M"), Segment: strp("Leilighet")},
		{Source: models.SourceDNB, ListingID: "2", City: strp("Bergen"), IsSold: true,
			Price: intp(8_000_000), CommissionEst: intp(100_000), PriceBucket: strp("5-10M"), Segment: strp("Enebolig")},
		{Source: models.SourceHjem, ListingID: "1", City: strp("Oslo"), Segment: strp("Tomt")},
	}
}

func TestSummarizeCounts(t *testing.T) {
	s := Summarize(sampleRows())
	if s.TotalRecords != 4 {
		t.Errorf("TotalRecords: got %d, want 4", s.TotalRecords)
	}
	if s.UniqueListings != 3 {
		t.Errorf("UniqueListings: got %d, want 3", s.UniqueListings)
	}
	if s.BySource[models.SourceDNB] != 3 || s.BySource[models.SourceHjem] != 1 {
		t.Errorf("BySource: got %v", s.BySource)
	}
	if s.Sold != 1 {
		t.Errorf("Sold: got %d, want 1", s.Sold)
	}
}

func TestSummarizePrices(t *testing.T) {
	s := Summarize(sampleRows())
	if s.Priced != 2 {
		t.Errorf("Priced: got %d, want 2", s.Priced)
	}
	if s.AveragePrice != 6_000_000 {
		t.Errorf("AveragePrice: got %.2f, want 6000000", s.AveragePrice)
	}
	if s.TotalCommission != 150_000 {
		t.Errorf("TotalCommission: got %d, want 150000", s.TotalCommission)
	}
	if s.ByPriceBucket["0-5M"] != 1 || s.ByPriceBucket["5-10M"] != 1 {
		t.Errorf("ByPriceBucket: got %v", s.ByPriceBucket)
	}
}

func TestSummarizeTopCities(t *testing.T) {
	s := Summarize(sampleRows())
	if len(s.TopCities) != 2 {
		t.Fatalf("TopCities: got %d entries, want 2", len(s.TopCities))
	}
	if s.TopCities[0] != (models.CityCount{City: "Oslo", Count: 2}) {
		t.Errorf("TopCities[0]: got %+v", s.TopCities[0])
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.TotalRecords != 0 || s.AveragePrice != 0 || len(s.TopCities) != 0 {
		t.Errorf("empty summary: got %+v", s)
	}
}

func TestSummaryPrint(t *testing.T) {
	var buf bytes.Buffer
	svc := NewSummaryService(quietLogger())
	svc.out = &buf

	report := &models.RunReport{
		RunID:      "run-1",
		SnapshotAt: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC),
		Sources: []models.SourceResult{
			{Name: "dnb", Source: models.SourceDNB, Rows: 3},
		},
		Upsert: &models.UpsertResult{HistoryInserted: 3, LatestWritten: 2},
	}
	svc.Print(report, Summarize(sampleRows()))

	out := buf.String()
	for _, want := range []string{"LISTING SNAPSHOT SUMMARY", "run-1", "Unique listings", "Oslo", "3 new history rows"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
