package dnb

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"megler-scraper/models"
	"megler-scraper/services"
)

const chain = "DNB Eiendom"

var propertyTypes = map[int64]string{
	24: "Leilighet",
	1:  "Enebolig",
	2:  "Tomannsbolig",
	3:  "Rekkehus",
	7:  "Fritidsbolig",
	8:  "Tomt",
	12: "Garasje/Parkering",
	17: "Landbrukseiendom",
}

var statusCodes = map[int64]string{
	0:  models.StatusUnknown,
	1:  models.StatusComing,
	2:  models.StatusAvailable,
	3:  models.StatusSold,
	4:  models.StatusReserved,
	5:  models.StatusInactive,
	99: models.StatusArchived,
}

type document struct {
	ID             any               `json:"id"`
	Heading        any               `json:"heading"`
	Locations      []json.RawMessage `json:"locations"`
	Price          *priceInfo        `json:"price"`
	PropertyTypeID any               `json:"propertyTypeId"`
	Brokers        []*broker         `json:"brokers"`
	ForSaleDate    any               `json:"forSaleDate"`
	Created        any               `json:"created"`
	Showings       []*showing        `json:"showings"`
	Media          []*media          `json:"media"`
	Status         any               `json:"status"`
}

type priceInfo struct {
	SalePrice   any `json:"salePrice"`
	AskingPrice any `json:"askingPrice"`
	TotalPrice  any `json:"totalPrice"`
}

type broker struct {
	Name     any `json:"name"`
	FullName any `json:"fullName"`
	Title    any `json:"title"`
	Role     any `json:"role"`
}

type showing struct {
	Start any `json:"start"`
}

type media struct {
	LastModified any `json:"lastModified"`
}

type location struct {
	Type  any `json:"type"`
	Value any `json:"value"`
}

// Normalize maps one DNB search document into canonical records.
func Normalize(raw json.RawMessage, batch services.Batch) ([]*models.Listing, error) {
	var doc document
	if err := services.DecodeDocument(raw, &doc); err != nil {
		return nil, err
	}
	id := services.Text(doc.ID)
	if id == "" {
		return nil, errors.New("dnb: document has no id")
	}

	title := models.StringPtr(services.Text(doc.Heading))
	values, city, err := locationFields(doc.Locations)
	if err != nil {
		return nil, err
	}
	address := models.StringPtr(strings.Join(values, ", "))

	var price *int64
	if doc.Price != nil {
		price = services.CleanPrice(services.FirstValue(doc.Price.SalePrice, doc.Price.AskingPrice, doc.Price.TotalPrice))
	}

	kind := propertyType(doc.PropertyTypeID)
	base := models.Listing{
		Source:       models.SourceDNB,
		ListingID:    id,
		Title:        title,
		Address:      address,
		City:         city,
		Chain:        models.StringPtr(chain),
		Price:        price,
		Status:       status(doc.Status),
		Published:    published(&doc, batch.SnapshotAt),
		PropertyType: &kind,
		LastSeenAt:   batch.SeenAt,
		SnapshotAt:   batch.SnapshotAt,
	}
	services.Derive(&base, services.PostalCode(stringPtrs(values)...), batch.CommissionRate)

	return services.Expand(base, brokers(doc.Brokers)), nil
}

// brokers keeps the first title seen for each broker name, in document order.
func brokers(list []*broker) []services.BrokerContact {
	var out []services.BrokerContact
	seen := make(map[string]struct{})
	for _, b := range list {
		if b == nil {
			continue
		}
		name := services.Text(services.FirstValue(b.Name, b.FullName))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, services.BrokerContact{
			Name:  models.StringPtr(name),
			Title: services.Text(services.FirstValue(b.Title, b.Role)),
		})
	}
	return out
}

// locationFields returns every location value in order and the city, taken
// from a typed CITY/POSTALPLACE entry or else the most plausible untyped value.
func locationFields(locs []json.RawMessage) ([]string, *string, error) {
	var (
		values                       []string
		city                         *string
		street, postal, municipality string
	)

	for _, raw := range locs {
		var loc location
		if err := services.DecodeDocument(raw, &loc); err != nil {
			// Bare scalar entry.
			var scalar any
			if err := services.DecodeDocument(raw, &scalar); err != nil {
				return nil, nil, err
			}
			loc = location{Value: scalar}
		}
		value := services.Text(loc.Value)
		if value == "" {
			continue
		}
		values = append(values, value)

		switch strings.ToUpper(services.Text(loc.Type)) {
		case "STREET", "ADDRESS":
			if street == "" {
				street = value
			}
		case "ZIPCODE", "POSTALCODE":
			if postal == "" {
				postal = value
			}
		case "CITY", "POSTALPLACE":
			if city == nil {
				city = services.NormalizeText(value)
			}
		case "MUNICIPALITY", "AREA":
			if municipality == "" {
				municipality = value
			}
		}
	}

	if city == nil {
		var candidates []string
		if municipality != "" {
			candidates = append(candidates, municipality)
		}
		if len(values) >= 3 {
			candidates = append(candidates, values[2])
		}
		candidates = append(candidates, values...)
		for _, cand := range candidates {
			if strings.EqualFold(cand, "norge") || cand == street || cand == postal {
				continue
			}
			if isDigits(strings.ReplaceAll(cand, " ", "")) {
				continue
			}
			if city = services.NormalizeText(cand); city != nil {
				break
			}
		}
	}
	return values, city, nil
}

// published resolves the most credible publication time: the for-sale date,
// the creation date, the earliest showing, the earliest media change, and
// finally the snapshot time.
func published(doc *document, snapshotAt time.Time) *time.Time {
	if t := services.ParseTime(doc.ForSaleDate); t != nil {
		return t
	}
	if t := services.ParseTime(doc.Created); t != nil {
		return t
	}

	var starts []*time.Time
	for _, s := range doc.Showings {
		if s != nil {
			starts = append(starts, services.ParseTime(s.Start))
		}
	}
	if t := services.Earliest(starts); t != nil {
		return t
	}

	var modified []*time.Time
	for _, m := range doc.Media {
		if m != nil {
			modified = append(modified, services.TicksToTime(m.LastModified))
		}
	}
	if t := services.Earliest(modified); t != nil {
		return t
	}

	fallback := snapshotAt
	return &fallback
}

func status(v any) *string {
	text := services.Text(v)
	if text == "" {
		return nil
	}
	code, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return services.NormalizeStatus(text)
	}
	s, ok := statusCodes[code]
	if !ok {
		s = models.StatusUnknown
	}
	return &s
}

func propertyType(v any) string {
	code, err := strconv.ParseInt(services.Text(v), 10, 64)
	if err != nil {
		return "Annet"
	}
	if name, ok := propertyTypes[code]; ok {
		return name
	}
	return "Annet"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stringPtrs(values []string) []*string {
	out := make([]*string, len(values))
	for i := range values {
		out[i] = &values[i]
	}
	return out
}
