package services

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"megler-scraper/models"
)

// Batch carries the run-level inputs every normalizer needs. Two calls with
// the same raw document and the same Batch produce identical records.
type Batch struct {
	SnapshotAt     time.Time
	SeenAt         time.Time
	CommissionRate float64
}

// NormalizeFunc maps one raw source document into one or more canonical
// records, one per responsible broker.
type NormalizeFunc func(raw json.RawMessage, batch Batch) ([]*models.Listing, error)

var (
	// groupedIntRegexp matches integers written with , or . thousands separators.
	groupedIntRegexp = regexp.MustCompile(`^\d{1,3}([.,]\d{3})+$`)
	// groupedCommaDecRegexp matches 1,234,567.89
	groupedCommaDecRegexp = regexp.MustCompile(`^\d{1,3}(,\d{3})+\.\d+$`)
	// groupedDotDecRegexp matches 1.234.567,89
	groupedDotDecRegexp = regexp.MustCompile(`^\d{1,3}(\.\d{3})+,\d+$`)

	postalCodeRegexp   = regexp.MustCompile(`\d{4,}`)
	postalPrefixRegexp = regexp.MustCompile(`^\d{4}\s+`)
	citySplitRegexp    = regexp.MustCompile(`[,|\-/\n]`)
)

// CleanPrice converts a sourced price into whole currency units. Numbers are
// truncated; strings lose non-breaking spaces, spaces and thousands
// separators and accept a decimal comma. Anything that is not a
// non-negative number yields nil, never zero.
func CleanPrice(value any) *int64 {
	switch v := value.(type) {
	case nil:
		return nil
	case json.Number:
		return priceFromDecimalString(string(v))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil
		}
		n := int64(v)
		return &n
	case int:
		return priceFromInt(int64(v))
	case int64:
		return priceFromInt(v)
	case string:
		return priceFromDecimalString(cleanPriceString(v))
	default:
		return nil
	}
}

func priceFromInt(v int64) *int64 {
	if v < 0 {
		return nil
	}
	return &v
}

func cleanPriceString(s string) string {
	s = strings.Map(func(r rune) rune {
		// unicode.IsSpace covers U+00A0 and U+202F.
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	switch {
	case groupedIntRegexp.MatchString(s):
		s = strings.NewReplacer(",", "", ".", "").Replace(s)
	case groupedCommaDecRegexp.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case groupedDotDecRegexp.MatchString(s):
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	default:
		s = strings.ReplaceAll(s, ",", ".")
	}
	return s
}

func priceFromDecimalString(s string) *int64 {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return nil
	}
	n := d.Truncate(0).IntPart()
	return &n
}

// EstimateCommission returns round(price × rate) with half-even rounding, or
// nil when there is no price or the rate is not positive.
func EstimateCommission(price *int64, rate float64) *int64 {
	if price == nil || rate <= 0 {
		return nil
	}
	n := decimal.NewFromInt(*price).Mul(decimal.NewFromFloat(rate)).RoundBank(0).IntPart()
	return &n
}

type priceBucket struct {
	lower int64
	upper int64 // 0 means unbounded
	label string
}

var priceBuckets = []priceBucket{
	{0, 5_000_000, "0-5M"},
	{5_000_000, 10_000_000, "5-10M"},
	{10_000_000, 20_000_000, "10-20M"},
	{20_000_000, 0, "20M+"},
}

// PriceBucket places a price in a closed-open range. Absent or non-positive
// prices have no bucket.
func PriceBucket(price *int64) *string {
	if price == nil || *price <= 0 {
		return nil
	}
	for _, b := range priceBuckets {
		if *price >= b.lower && (b.upper == 0 || *price < b.upper) {
			label := b.label
			return &label
		}
	}
	return nil
}

// segmentKeywords is scanned in order; the first keyword found wins.
var segmentKeywords = []struct {
	keyword string
	segment string
}{
	{"leilighet", "Leilighet"},
	{"enebolig", "Enebolig"},
	{"rekkehus", "Rekkehus"},
	{"tomannsbolig", "Rekkehus"},
	{"småhus", "Rekkehus"},
	{"townhouse", "Rekkehus"},
	{"nybygg", "Nybygg"},
	{"prosjekt", "Nybygg"},
	{"fritidsbolig", "Fritidsbolig"},
	{"gårdsbruk", "Gårdsbruk"},
	{"tomt", "Tomt"},
}

// Segment classifies a listing from its property type, then its title,
// falling back to the raw property type.
func Segment(propertyType, title *string) *string {
	for _, value := range []*string{propertyType, title} {
		if value == nil || *value == "" {
			continue
		}
		lowered := strings.ToLower(*value)
		for _, kw := range segmentKeywords {
			if strings.Contains(lowered, kw.keyword) {
				segment := kw.segment
				return &segment
			}
		}
	}
	return models.StringPtr(models.StringValue(propertyType))
}

// PostalCode returns the first four digits of the first run of at least four
// consecutive digits found in the candidates.
func PostalCode(candidates ...*string) *string {
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if m := postalCodeRegexp.FindString(*c); m != "" {
			code := m[:4]
			return &code
		}
	}
	return nil
}

type postalRange struct {
	from, to int
	district string
}

// osloDistricts maps Oslo postal code ranges (inclusive) to districts.
// Ranges overlap; the first match wins.
var osloDistricts = []postalRange{
	{160, 179, "Sentrum"},
	{200, 249, "Sentrum"},
	{450, 469, "St. Hanshaugen"},
	{370, 379, "Vestre Aker"},
	{460, 499, "St. Hanshaugen"},
	{550, 579, "Frogner"},
	{580, 599, "Frogner"},
	{600, 699, "Gamle Oslo"},
	{700, 799, "Grünerløkka"},
	{400, 449, "St. Hanshaugen"},
	{800, 899, "Sagene"},
	{900, 999, "Nordstrand"},
}

// District infers an Oslo district from the postal code. It returns nil for
// any city other than Oslo.
func District(city, postalCode *string) *string {
	if city == nil || !strings.EqualFold(strings.TrimSpace(*city), "oslo") {
		return nil
	}
	if postalCode == nil || len(*postalCode) < 4 {
		return nil
	}
	code, err := strconv.Atoi((*postalCode)[:4])
	if err != nil {
		return nil
	}
	for _, r := range osloDistricts {
		if code >= r.from && code <= r.to {
			district := r.district
			return &district
		}
	}
	return nil
}

// NormalizeText trims s and title-cases values written entirely in upper case.
func NormalizeText(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.ToUpper(s) == s {
		s = cases.Title(language.Norwegian).String(s)
	}
	return &s
}

var cityBlacklist = map[string]struct{}{
	"norge": {}, "norway": {}, "no": {}, "as": {}, "as.": {}, "as,": {},
}

// GuessCity scans free text for a city: the last delimiter-separated token
// that carries no digits once a leading postal code is removed and is not a
// country name or company suffix.
func GuessCity(values ...*string) *string {
	for _, v := range values {
		if v == nil {
			continue
		}
		parts := citySplitRegexp.Split(*v, -1)
		for i := len(parts) - 1; i >= 0; i-- {
			token := postalPrefixRegexp.ReplaceAllString(strings.TrimSpace(parts[i]), "")
			city := NormalizeText(token)
			if city == nil {
				continue
			}
			if _, banned := cityBlacklist[strings.ToLower(*city)]; banned {
				continue
			}
			if strings.IndexFunc(*city, unicode.IsDigit) >= 0 {
				continue
			}
			return city
		}
	}
	return nil
}

// ResolveCity prefers the structured city and falls back to GuessCity over
// the address and title.
func ResolveCity(structured, address, title *string) *string {
	if structured != nil {
		if city := NormalizeText(*structured); city != nil {
			return city
		}
	}
	return GuessCity(address, title)
}

// BrokerRole classifies a free-text job title.
func BrokerRole(title string) *string {
	lowered := strings.ToLower(strings.TrimSpace(title))
	if lowered == "" {
		return nil
	}
	var role string
	switch {
	case strings.Contains(lowered, "fullmektig"), strings.Contains(lowered, "trainee"):
		role = "Fullmektig"
	case strings.Contains(lowered, "megler"):
		role = "Megler"
	case strings.Contains(lowered, "oppgj"):
		role = "Oppgjør"
	default:
		role = "Annet"
	}
	return &role
}

var soldStatuses = map[string]struct{}{"sold": {}, "solgt": {}}

// IsSold reports whether a normalized status denotes a completed sale.
func IsSold(status *string) bool {
	if status == nil {
		return false
	}
	_, ok := soldStatuses[strings.ToLower(*status)]
	return ok
}

// ParseTime accepts unix seconds or a date string in any common layout;
// zone-less strings are read as UTC.
func ParseTime(value any) *time.Time {
	var t time.Time
	switch v := value.(type) {
	case nil:
		return nil
	case json.Number:
		f, err := v.Float64()
		if err != nil || f <= 0 {
			return nil
		}
		t = unixFloat(f)
	case float64:
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		t = unixFloat(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		parsed, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return nil
		}
		t = parsed.UTC()
	default:
		return nil
	}
	return &t
}

func unixFloat(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// dotnetEpochTicks is 1970-01-01 expressed in 100ns ticks since 0001-01-01.
const dotnetEpochTicks = 621355968000000000

// TicksToTime converts .NET ticks (100ns since 0001-01-01 UTC). Values that
// are not positive or precede the unix epoch yield nil.
func TicksToTime(value any) *time.Time {
	var ticks int64
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil
		}
		ticks = n
	case float64:
		ticks = int64(v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil
		}
		ticks = n
	default:
		return nil
	}
	if ticks <= 0 || ticks < dotnetEpochTicks {
		return nil
	}
	since := ticks - dotnetEpochTicks
	t := time.Unix(since/10_000_000, (since%10_000_000)*100).UTC()
	return &t
}

// Earliest returns the earliest non-nil time.
func Earliest(times []*time.Time) *time.Time {
	var min *time.Time
	for _, t := range times {
		if t != nil && (min == nil || t.Before(*min)) {
			min = t
		}
	}
	return min
}
