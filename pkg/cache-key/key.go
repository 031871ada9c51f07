package cachekey

import (
	"strconv"
	"strings"
)

const (
	keyVersion     = "fc1"
	fieldSeparator = "|"
	// stands in for an empty optional field
	placeholder = "~"

	searchSuffix = "search"
	priceSuffix  = "price"
)

// escapes the characters that carry meaning inside a key
var escaper = strings.NewReplacer("%", "%25", fieldSeparator, "%7C", placeholder, "%7E")

// BuildKey returns the key prefix shared by all entries of a search.
// Every field is always present, in a fixed order, so different searches never share a key.
func BuildKey(f Fingerprint) string {
	n := f.Normalize()
	fields := []string{
		keyVersion,
		field(n.Origin),
		field(n.Destination),
		field(n.DepartDate),
		field(n.ReturnDate),
		field(n.TripType),
		strconv.Itoa(n.Passengers.Adults),
		strconv.Itoa(n.Passengers.Children),
		strconv.Itoa(n.Passengers.Infants),
		field(n.CabinClass),
		field(n.OutboundCabinClass),
		field(n.ReturnCabinClass),
	}
	return strings.Join(fields, fieldSeparator)
}

// SearchKey is the key of the search result set for f.
func SearchKey(f Fingerprint) string {
	return BuildKey(f) + fieldSeparator + searchSuffix
}

// PriceKey is the key of the priced offer for one flight of the search f.
func PriceKey(flightID string, f Fingerprint) string {
	return BuildKey(f) + fieldSeparator + priceSuffix + fieldSeparator + field(strings.TrimSpace(flightID))
}

func field(value string) string {
	if value == "" {
		return placeholder
	}
	return escaper.Replace(value)
}
