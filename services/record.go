package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"megler-scraper/models"
)

// BrokerContact is one responsible agent found on a source document.
type BrokerContact struct {
	Name  *string
	Title string
}

// NoBroker is the contact list used when a document names no agent; it
// still yields exactly one record.
var NoBroker = []BrokerContact{{}}

// Expand fans one listing out into one record per broker. Every record
// shares base's fields; Broker, BrokerRole and Role come from the contact.
func Expand(base models.Listing, brokers []BrokerContact) []*models.Listing {
	if len(brokers) == 0 {
		brokers = NoBroker
	}
	rows := make([]*models.Listing, 0, len(brokers))
	for _, b := range brokers {
		row := base
		row.Broker = b.Name
		row.BrokerRole = BrokerRole(b.Title)
		row.Role = BrokerRole(b.Title)
		rows = append(rows, &row)
	}
	return rows
}

// Derive fills the computed fields of a listing from its sourced fields.
// It is the single place derived values are produced.
func Derive(l *models.Listing, postalCode *string, rate float64) {
	l.City = ResolveCity(l.City, l.Address, l.Title)
	l.District = District(l.City, postalCode)
	l.CommissionEst = EstimateCommission(l.Price, rate)
	l.PriceBucket = PriceBucket(l.Price)
	l.Segment = Segment(l.PropertyType, l.Title)
	l.IsSold = IsSold(l.Status)
}

var statusAliases = map[string]string{
	"unknown":         models.StatusUnknown,
	"available":       models.StatusAvailable,
	"for_sale":        models.StatusAvailable,
	"forsale":         models.StatusAvailable,
	"active":          models.StatusAvailable,
	"published":       models.StatusAvailable,
	"til_salgs":       models.StatusAvailable,
	"sold":            models.StatusSold,
	"solgt":           models.StatusSold,
	"reserved":        models.StatusReserved,
	"reservert":       models.StatusReserved,
	"coming":          models.StatusComing,
	"coming_soon":     models.StatusComing,
	"upcoming":        models.StatusComing,
	"kommer_for_salg": models.StatusComing,
	"inactive":        models.StatusInactive,
	"inaktiv":         models.StatusInactive,
	"archived":        models.StatusArchived,
	"arkivert":        models.StatusArchived,
}

// NormalizeStatus maps a source status string onto the shared vocabulary.
// Empty input has no status; unrecognised input is "unknown".
func NormalizeStatus(raw string) *string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return nil
	}
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	status, ok := statusAliases[key]
	if !ok {
		status = models.StatusUnknown
	}
	return &status
}

// DecodeDocument unmarshals a raw source document keeping numbers as
// json.Number so prices and ticks are not rounded through float64.
func DecodeDocument(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Text renders a scalar JSON value (string or number) as trimmed text.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64, bool:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

// FirstValue returns the first value that is present: not nil, not an empty
// string and not numerically zero.
func FirstValue(values ...any) any {
	for _, v := range values {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(t) == "" {
				continue
			}
		case json.Number:
			if f, err := t.Float64(); err == nil && f == 0 {
				continue
			}
		case float64:
			if t == 0 {
				continue
			}
		}
		return v
	}
	return nil
}
