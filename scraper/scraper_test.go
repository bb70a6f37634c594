package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"megler-scraper/models"
	"megler-scraper/services"
)

// fakeNormalize emits one record per broker listed in the document and
// rejects documents flagged as broken.
func fakeNormalize(raw json.RawMessage, batch services.Batch) ([]*models.Listing, error) {
	var doc struct {
		ID      string   `json:"id"`
		Title   string   `json:"title"`
		Brokers []string `json:"brokers"`
		Broken  bool     `json:"broken"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Broken {
		return nil, errors.New("broken document")
	}
	base := models.Listing{Source: models.SourceDNB, ListingID: doc.ID, Title: models.StringPtr(doc.Title), SnapshotAt: batch.SnapshotAt}
	var contacts []services.BrokerContact
	for _, b := range doc.Brokers {
		contacts = append(contacts, services.BrokerContact{Name: models.StringPtr(b)})
	}
	return services.Expand(base, contacts), nil
}

func docs(raw ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestPagerSkipsMalformedAndReplacesDuplicates(t *testing.T) {
	p := NewPager(models.SourceDNB, "test", fakeNormalize, quietLogger())
	batch := services.Batch{SnapshotAt: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)}

	added := p.AddPage(docs(
		`{"id":"1","brokers":["Kari","Ola"]}`,
		`{"id":"2","broken":true}`,
		`{"id":"3","title":"first"}`,
	), batch)
	if added != 3 {
		t.Errorf("page 1 added %d, want 3", added)
	}

	// Offset drift: the next page repeats listing 3.
	added = p.AddPage(docs(`{"id":"3","title":"second"}`, `{"id":"4"}`, `not json`), batch)
	if added != 1 {
		t.Errorf("page 2 added %d, want 1", added)
	}

	documents, skipped, duplicates := p.Stats()
	if documents != 6 || skipped != 2 || duplicates != 1 {
		t.Errorf("Stats = %d/%d/%d; want 6/2/1", documents, skipped, duplicates)
	}
	rows := p.Rows()
	var keys []string
	for _, r := range rows {
		keys = append(keys, r.NaturalKey())
	}
	want := []string{"DNB|1|Kari", "DNB|1|Ola", "DNB|3|", "DNB|4|"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v; want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q; want %q", i, keys[i], want[i])
		}
	}
	if got := models.StringValue(rows[2].Title); got != "second" {
		t.Errorf("repeated listing 3: got title %q, want the later version", got)
	}
}

func TestPauseBounds(t *testing.T) {
	start := time.Now()
	if err := Pause(context.Background(), 10, 20); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Pause returned after %v, want at least 10ms", elapsed)
	}

	if err := Pause(context.Background(), 0, 0); err != nil {
		t.Errorf("zero pause: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Pause(ctx, 1000, 2000); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled pause: got %v", err)
	}
}

func TestOptionsLastPage(t *testing.T) {
	if (Options{}).LastPage(100) {
		t.Error("no cap should never be the last page")
	}
	o := Options{MaxPages: 2}
	if o.LastPage(1) || !o.LastPage(2) {
		t.Error("cap of 2 should stop after page 2")
	}
}

func TestOptionsBatchUsesClock(t *testing.T) {
	seen := time.Date(2024, 3, 5, 13, 0, 0, 0, time.FixedZone("CET", 3600))
	o := Options{CommissionRate: 0.0125, Now: func() time.Time { return seen }}
	snap := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	b := o.Batch(snap)
	if !b.SeenAt.Equal(seen) || b.SeenAt.Location() != time.UTC {
		t.Errorf("SeenAt = %v; want %v in UTC", b.SeenAt, seen)
	}
	if !b.SnapshotAt.Equal(snap) || b.CommissionRate != 0.0125 {
		t.Errorf("Batch = %+v", b)
	}
}
