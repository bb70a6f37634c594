package dnb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"megler-scraper/config"
	"megler-scraper/models"
	"megler-scraper/scraper"
	"megler-scraper/services"
	"megler-scraper/utils"
)

var snapshotAt = time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

func testBatch() services.Batch {
	return services.Batch{SnapshotAt: snapshotAt, SeenAt: snapshotAt, CommissionRate: 0.0125}
}

const twoBrokerDoc = `{
	"id": 3001234,
	"heading": "Lys 3-roms leilighet med balkong",
	"locations": [
		{"type": "STREET", "value": "Storgata 1"},
		{"type": "ZIPCODE", "value": "0170"},
		{"type": "CITY", "value": "OSLO"}
	],
	"price": {"salePrice": null, "askingPrice": "4 500 000", "totalPrice": 4650000},
	"propertyTypeId": 24,
	"brokers": [
		{"name": "Kari Nordmann", "title": "Eiendomsmegler MNEF"},
		{"fullName": "Ola Hansen", "role": "Eiendomsmeglerfullmektig"},
		{"name": "Kari Nordmann", "title": "Oppgjør"}
	],
	"forSaleDate": "2024-03-01T09:00:00Z",
	"status": 2
}`

func TestNormalizeTwoBrokers(t *testing.T) {
	rows, err := Normalize(json.RawMessage(twoBrokerDoc), testBatch())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Normalize: got %d rows, want 2", len(rows))
	}

	r := rows[0]
	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"listing_id", r.ListingID, "3001234"},
		{"address", models.StringValue(r.Address), "Storgata 1, 0170, OSLO"},
		{"city", models.StringValue(r.City), "Oslo"},
		{"district", models.StringValue(r.District), "Sentrum"},
		{"chain", models.StringValue(r.Chain), "DNB Eiendom"},
		{"status", models.StringValue(r.Status), models.StatusAvailable},
		{"property_type", models.StringValue(r.PropertyType), "Leilighet"},
		{"segment", models.StringValue(r.Segment), "Leilighet"},
		{"price_bucket", models.StringValue(r.PriceBucket), "0-5M"},
		{"broker", models.StringValue(r.Broker), "Kari Nordmann"},
		{"broker_role", models.StringValue(r.BrokerRole), "Megler"},
		{"second broker", models.StringValue(rows[1].Broker), "Ola Hansen"},
		{"second role", models.StringValue(rows[1].Role), "Fullmektig"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %q, want %q", c.field, c.got, c.want)
		}
	}
	if r.Price == nil || *r.Price != 4_500_000 {
		t.Errorf("price: got %v, want 4500000", r.Price)
	}
	if r.CommissionEst == nil || *r.CommissionEst != 56_250 {
		t.Errorf("commission_est: got %v, want 56250", r.CommissionEst)
	}
	if want := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC); r.Published == nil || !r.Published.Equal(want) {
		t.Errorf("published: got %v, want %v", r.Published, want)
	}
	if r.IsSold {
		t.Error("is_sold: got true for an available listing")
	}

	a, b := *rows[0], *rows[1]
	a.Broker, a.BrokerRole, a.Role = nil, nil, nil
	b.Broker, b.BrokerRole, b.Role = nil, nil, nil
	if !reflect.DeepEqual(a, b) {
		t.Error("fan-out records differ outside broker fields")
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	first, err := Normalize(json.RawMessage(twoBrokerDoc), testBatch())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	second, _ := Normalize(json.RawMessage(twoBrokerDoc), testBatch())
	if !reflect.DeepEqual(first, second) {
		t.Error("two normalizations of the same document differ")
	}
}

func TestNormalizeBareLocationsAndFallbacks(t *testing.T) {
	doc := `{
		"id": "77",
		"heading": "Enebolig med utsikt",
		"locations": ["Fjellveien 3", "5003", "Bergen", "Norge"],
		"price": {"salePrice": 0, "askingPrice": "", "totalPrice": "12 500 000"},
		"propertyTypeId": 1,
		"showings": [{"start": "2024-04-02T16:00:00Z"}, {"start": "2024-03-30T12:00:00Z"}],
		"status": 3
	}`
	rows, err := Normalize(json.RawMessage(doc), testBatch())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rows) != 1 || rows[0].Broker != nil {
		t.Fatalf("expected one record without broker, got %d", len(rows))
	}
	r := rows[0]
	if got := models.StringValue(r.City); got != "Bergen" {
		t.Errorf("city: got %q, want Bergen", got)
	}
	if r.District != nil {
		t.Errorf("district outside Oslo: got %q", *r.District)
	}
	if r.Price == nil || *r.Price != 12_500_000 {
		t.Errorf("price: got %v, want 12500000", r.Price)
	}
	if !r.IsSold || models.StringValue(r.Status) != models.StatusSold {
		t.Errorf("status: got %q sold=%v", models.StringValue(r.Status), r.IsSold)
	}
	if want := time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC); r.Published == nil || !r.Published.Equal(want) {
		t.Errorf("published from earliest showing: got %v, want %v", r.Published, want)
	}
}

func TestPublishedFallbacks(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want time.Time
	}{
		{"created", `{"id":1,"created":"2024-02-10T08:00:00Z","showings":[{"start":"2024-01-01T00:00:00Z"}]}`,
			time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC)},
		{"media ticks", `{"id":1,"media":[{"lastModified":638396640000000000},{"lastModified":"bogus"}]}`,
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"snapshot", `{"id":1}`, snapshotAt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := Normalize(json.RawMessage(tt.doc), testBatch())
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if p := rows[0].Published; p == nil || !p.Equal(tt.want) {
				t.Errorf("published: got %v, want %v", p, tt.want)
			}
		})
	}
}

func TestStatusAndTypeCodes(t *testing.T) {
	tests := []struct {
		doc          string
		status, kind string
	}{
		{`{"id":1,"status":1,"propertyTypeId":3}`, models.StatusComing, "Rekkehus"},
		{`{"id":1,"status":99,"propertyTypeId":"7"}`, models.StatusArchived, "Fritidsbolig"},
		{`{"id":1,"status":42,"propertyTypeId":555}`, models.StatusUnknown, "Annet"},
		{`{"id":1}`, "", "Annet"},
	}
	for _, tt := range tests {
		rows, err := Normalize(json.RawMessage(tt.doc), testBatch())
		if err != nil {
			t.Fatalf("Normalize(%s): %v", tt.doc, err)
		}
		if got := models.StringValue(rows[0].Status); got != tt.status {
			t.Errorf("%s status: got %q, want %q", tt.doc, got, tt.status)
		}
		if got := models.StringValue(rows[0].PropertyType); got != tt.kind {
			t.Errorf("%s property_type: got %q, want %q", tt.doc, got, tt.kind)
		}
	}
}

func TestNormalizeRejectsMissingID(t *testing.T) {
	if _, err := Normalize(json.RawMessage(`{"heading":"x"}`), testBatch()); err == nil {
		t.Error("expected error for document without id")
	}
	if _, err := Normalize(json.RawMessage(`[1,2]`), testBatch()); err == nil {
		t.Error("expected error for non-object document")
	}
}

// fakeAPI serves DNB-shaped pages from a fixed list of documents.
type fakeAPI struct {
	mu       sync.Mutex
	docs     []string
	total    int
	failFrom int // skip offset from which every request fails with 503; <0 disables
	requests []searchRequest
	referers []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.referers = append(f.referers, r.Header.Get("Referer"))
	f.mu.Unlock()

	if f.failFrom >= 0 && req.Skip >= f.failFrom {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	end := min(req.Skip+req.Top, len(f.docs))
	var page []string
	if req.Skip < end {
		page = f.docs[req.Skip:end]
	}
	fmt.Fprintf(w, `{"documents":[%s],"totalCount":%d}`, strings.Join(page, ","), f.total)
}

func listingDocs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf(`{"id":%d,"heading":"Leilighet %d","brokers":[{"name":"Megler %d","title":"Eiendomsmegler"}]}`, i+1, i+1, i+1)
	}
	return out
}

func newTestConnector(url string, top, maxRetries int) *Connector {
	cfg := config.Default()
	cfg.DNB.URL = url
	cfg.DNB.PageSize = top
	cfg.MinSleepMs, cfg.MaxSleepMs = 0, 0
	logger := utils.NewLoggerTo(io.Discard)
	client := scraper.NewClient(scraper.ClientConfig{MaxRetries: maxRetries, Backoff: time.Millisecond}, logger)
	return New(cfg, client, logger)
}

func TestCollectStopsAtTotalCount(t *testing.T) {
	api := &fakeAPI{docs: listingDocs(5), total: 5, failFrom: -1}
	srv := httptest.NewServer(api)
	defer srv.Close()

	rows, err := newTestConnector(srv.URL, 2, 0).Collect(context.Background(), snapshotAt)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rows) != 5 {
		t.Errorf("rows: got %d, want 5", len(rows))
	}
	if len(api.requests) != 3 {
		t.Fatalf("requests: got %d, want 3", len(api.requests))
	}
	for i, req := range api.requests {
		if req.Skip != i*2 || req.Top != 2 {
			t.Errorf("request %d: skip=%d top=%d", i, req.Skip, req.Top)
		}
		if req.Filter == "" || len(req.OrderBy) != 2 || len(req.Select) == 0 {
			t.Errorf("request %d: fixed search fields missing: %+v", i, req)
		}
	}
	if api.referers[0] != "https://dnbeiendom.no/" {
		t.Errorf("Referer: got %q", api.referers[0])
	}
}

func TestCollectStopsOnShortPageWithoutTotal(t *testing.T) {
	api := &fakeAPI{docs: listingDocs(3), total: 0, failFrom: -1}
	srv := httptest.NewServer(api)
	defer srv.Close()

	rows, err := newTestConnector(srv.URL, 2, 0).Collect(context.Background(), snapshotAt)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rows) != 3 || len(api.requests) != 2 {
		t.Errorf("rows %d requests %d; want 3 and 2", len(rows), len(api.requests))
	}
}

func TestCollectStopsOnEmptyPage(t *testing.T) {
	api := &fakeAPI{docs: listingDocs(4), total: 0, failFrom: -1}
	srv := httptest.NewServer(api)
	defer srv.Close()

	rows, err := newTestConnector(srv.URL, 2, 0).Collect(context.Background(), snapshotAt)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rows) != 4 || len(api.requests) != 3 {
		t.Errorf("rows %d requests %d; want 4 and 3", len(rows), len(api.requests))
	}
}

func TestCollectReturnsPartialRowsOnExhaustion(t *testing.T) {
	api := &fakeAPI{docs: listingDocs(6), total: 6, failFrom: 2}
	srv := httptest.NewServer(api)
	defer srv.Close()

	rows, err := newTestConnector(srv.URL, 2, 2).Collect(context.Background(), snapshotAt)
	var te *scraper.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Collect: got %v, want *scraper.TransportError", err)
	}
	if te.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", te.Attempts)
	}
	if len(rows) != 2 {
		t.Errorf("partial rows: got %d, want 2", len(rows))
	}
}

func TestCollectRespectsPageCap(t *testing.T) {
	api := &fakeAPI{docs: listingDocs(10), total: 10, failFrom: -1}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newTestConnector(srv.URL, 2, 0)
	c.opts.MaxPages = 2
	rows, err := c.Collect(context.Background(), snapshotAt)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rows) != 4 || len(api.requests) != 2 {
		t.Errorf("rows %d requests %d; want 4 and 2", len(rows), len(api.requests))
	}
}

func TestCollectCancelled(t *testing.T) {
	api := &fakeAPI{docs: listingDocs(4), total: 4, failFrom: -1}
	srv := httptest.NewServer(api)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestConnector(srv.URL, 2, 0).Collect(ctx, snapshotAt)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Collect: got %v, want context.Canceled", err)
	}
	if len(api.requests) != 0 {
		t.Errorf("requests after cancel: got %d, want 0", len(api.requests))
	}
}
