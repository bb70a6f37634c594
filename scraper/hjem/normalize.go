package hjem

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"megler-scraper/models"
	"megler-scraper/services"
)

var propertyTypes = map[string]string{
	"single_dwelling": "Enebolig",
	"apartment":       "Leilighet",
	"twin_dwelling":   "Tomannsbolig",
	"townhouse":       "Rekkehus",
	"plot":            "Tomt",
	"farm":            "Gårdsbruk",
	"others":          "Annet",
}

type document struct {
	ID          any             `json:"id"`
	Title       any             `json:"title"`
	Address     *address        `json:"address"`
	Agency      *agency         `json:"agency"`
	Prices      *prices         `json:"prices"`
	Contacts    []*contact      `json:"contacts"`
	PublishDate any             `json:"publish_date"`
	Created     any             `json:"created"`
	Type        json.RawMessage `json:"type"`
	Status      any             `json:"status"`
}

type address struct {
	DisplayName any `json:"display_name"`
	PostalPlace any `json:"postal_place"`
	City        any `json:"city"`
	PostalCode  any `json:"postal_code"`
}

type agency struct {
	Name any `json:"name"`
}

type amount struct {
	Amount any `json:"amount"`
}

type prices struct {
	AskingPrice *amount `json:"asking_price"`
	TotalPrice  *amount `json:"total_price"`
}

type contact struct {
	Type     any `json:"type"`
	Name     any `json:"name"`
	Position any `json:"position"`
}

// Normalize maps one Hjem search hit into canonical records.
func Normalize(raw json.RawMessage, batch services.Batch) ([]*models.Listing, error) {
	var doc document
	if err := services.DecodeDocument(raw, &doc); err != nil {
		return nil, err
	}
	id := services.Text(doc.ID)
	if id == "" {
		return nil, errors.New("hjem: document has no id")
	}

	title := models.StringPtr(services.Text(doc.Title))
	var addr, city, postal *string
	if doc.Address != nil {
		addr = models.StringPtr(services.Text(doc.Address.DisplayName))
		city = models.StringPtr(services.Text(services.FirstValue(doc.Address.PostalPlace, doc.Address.City)))
		postal = postalCode(doc.Address.PostalCode)
	}
	if postal == nil {
		postal = services.PostalCode(addr, title)
	}

	var chain *string
	if doc.Agency != nil {
		chain = models.StringPtr(services.Text(doc.Agency.Name))
	}

	var price *int64
	if doc.Prices != nil {
		var asking, total any
		if doc.Prices.AskingPrice != nil {
			asking = doc.Prices.AskingPrice.Amount
		}
		if doc.Prices.TotalPrice != nil {
			total = doc.Prices.TotalPrice.Amount
		}
		price = services.CleanPrice(services.FirstValue(asking, total))
	}

	kind, err := propertyType(doc.Type)
	if err != nil {
		return nil, err
	}
	base := models.Listing{
		Source:       models.SourceHjem,
		ListingID:    id,
		Title:        title,
		Address:      addr,
		City:         city,
		Chain:        chain,
		Price:        price,
		Status:       services.NormalizeStatus(services.Text(doc.Status)),
		Published:    published(&doc, batch.SnapshotAt),
		PropertyType: &kind,
		LastSeenAt:   batch.SeenAt,
		SnapshotAt:   batch.SnapshotAt,
	}
	services.Derive(&base, postal, batch.CommissionRate)

	return services.Expand(base, agents(doc.Contacts)), nil
}

func agents(contacts []*contact) []services.BrokerContact {
	var out []services.BrokerContact
	for _, c := range contacts {
		if c == nil || services.Text(c.Type) != "agent" {
			continue
		}
		out = append(out, services.BrokerContact{
			Name:  models.StringPtr(services.Text(c.Name)),
			Title: services.Text(c.Position),
		})
	}
	return out
}

// postalCode accepts the structured postal code as text or number; numbers
// lose their leading zero in transit and are padded back to four digits.
func postalCode(v any) *string {
	text := services.Text(v)
	if text == "" {
		return nil
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil && i >= 0 {
			text = fmt.Sprintf("%04d", i)
		}
	}
	return services.PostalCode(&text)
}

// propertyType reads the "type" field, which is either a list of type codes
// or a single code. The first recognised code wins.
func propertyType(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "Annet", nil
	}
	var values []any
	if err := services.DecodeDocument(raw, &values); err != nil {
		var single any
		if err := services.DecodeDocument(raw, &single); err != nil {
			return "", err
		}
		values = []any{single}
	}
	for _, v := range values {
		if name, ok := propertyTypes[strings.ToLower(services.Text(v))]; ok {
			return name, nil
		}
	}
	return "Annet", nil
}

func published(doc *document, snapshotAt time.Time) *time.Time {
	if t := services.ParseTime(doc.PublishDate); t != nil {
		return t
	}
	if t := services.ParseTime(doc.Created); t != nil {
		return t
	}
	fallback := snapshotAt
	return &fallback
}
