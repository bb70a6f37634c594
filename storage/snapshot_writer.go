package storage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"megler-scraper/models"
)

// TimeLayout renders every timestamp in snapshot files.
const TimeLayout = models.TimeLayout

// SnapshotWriter writes one CSV file per label and snapshot date, and
// optionally a JSON twin. It is safe for concurrent use.
type SnapshotWriter struct {
	mu        sync.Mutex
	root      string
	writeJSON bool
}

// NewSnapshotWriter returns a writer rooted at dir. Directories are created
// on first write.
func NewSnapshotWriter(dir string, writeJSON bool) *SnapshotWriter {
	return &SnapshotWriter{root: dir, writeJSON: writeJSON}
}

// SnapshotPath returns <root>/<YYYY-MM-DD>_<label>.<ext> for the UTC date of
// snapshotAt.
func (w *SnapshotWriter) SnapshotPath(label string, snapshotAt time.Time, ext string) string {
	name := fmt.Sprintf("%s_%s.%s", snapshotAt.UTC().Format("2006-01-02"), label, ext)
	return filepath.Join(w.root, name)
}

// WriteSnapshot writes rows as CSV, replacing any file of the same name, and
// returns its path. The same rows always produce the same bytes.
func (w *SnapshotWriter) WriteSnapshot(label string, snapshotAt time.Time, rows []*models.Listing) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.root, 0755); err != nil {
		return "", fmt.Errorf("snapshot: create output dir: %w", err)
	}

	data, err := EncodeCSV(rows)
	if err != nil {
		return "", err
	}
	path := w.SnapshotPath(label, snapshotAt, "csv")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("snapshot: write %q: %w", path, err)
	}

	if w.writeJSON {
		jsonPath := w.SnapshotPath(label, snapshotAt, "json")
		if err := writeJSON(jsonPath, rows); err != nil {
			return path, err
		}
	}
	return path, nil
}

// EncodeCSV renders rows with a header line in models.Columns order.
func EncodeCSV(rows []*models.Listing) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(models.Columns); err != nil {
		return nil, fmt.Errorf("snapshot: write header: %w", err)
	}
	for _, l := range rows {
		if err := cw.Write(Record(l)); err != nil {
			return nil, fmt.Errorf("snapshot: write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("snapshot: flush: %w", err)
	}
	return buf.Bytes(), nil
}

// Record formats one listing as CSV cells. Absent values are empty cells.
func Record(l *models.Listing) []string {
	return []string{
		string(l.Source),
		l.ListingID,
		models.StringValue(l.Title),
		models.StringValue(l.Address),
		models.StringValue(l.City),
		models.StringValue(l.District),
		models.StringValue(l.Chain),
		models.StringValue(l.Broker),
		formatInt(l.Price),
		formatInt(l.CommissionEst),
		models.StringValue(l.Status),
		formatTimePtr(l.Published),
		models.StringValue(l.PropertyType),
		models.StringValue(l.Segment),
		models.StringValue(l.PriceBucket),
		models.StringValue(l.BrokerRole),
		models.StringValue(l.Role),
		strconv.FormatBool(l.IsSold),
		FormatTime(l.LastSeenAt),
		FormatTime(l.SnapshotAt),
	}
}

// FormatTime renders t with TimeLayout in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}

func formatInt(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

func writeJSON(path string, rows []*models.Listing) error {
	if rows == nil {
		rows = []*models.Listing{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode json: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("snapshot: write %q: %w", path, err)
	}
	return nil
}
