package cachekey

import (
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Canonical trip types.
const (
	TripOneWay    = "one-way"
	TripRoundTrip = "round-trip"
	TripMultiCity = "multi-city"
)

const dateLayout = "2006-01-02"

// accepted input layouts for dates, tried in order
var dateLayouts = []string{dateLayout, time.RFC3339, "2006/01/02", "20060102"}

var iataCode = regexp.MustCompile(`^[A-Z]{3}$`)

var upper = cases.Upper(language.Und)

// Fingerprint identifies a flight search.
// Two fingerprints describe the same search iff their normalized forms are equal.
type Fingerprint struct {
	Origin             string     `json:"origin"`
	Destination        string     `json:"destination"`
	DepartDate         string     `json:"departDate"`
	ReturnDate         string     `json:"returnDate,omitempty"`
	TripType           string     `json:"tripType"`
	Passengers         Passengers `json:"passengers"`
	CabinClass         string     `json:"cabinClass"`
	OutboundCabinClass string     `json:"outboundCabinClass,omitempty"`
	ReturnCabinClass   string     `json:"returnCabinClass,omitempty"`
}

type Passengers struct {
	Adults   int `json:"adults"`
	Children int `json:"children"`
	Infants  int `json:"infants"`
}

// Normalize returns the canonical form of the fingerprint.
// It never fails: values it cannot make sense of are only trimmed, and Validate reports them.
func (f Fingerprint) Normalize() Fingerprint {
	return Fingerprint{
		Origin:             normalizeAirport(f.Origin),
		Destination:        normalizeAirport(f.Destination),
		DepartDate:         normalizeDate(f.DepartDate),
		ReturnDate:         normalizeDate(f.ReturnDate),
		TripType:           normalizeTripType(f.TripType),
		Passengers:         f.Passengers,
		CabinClass:         normalizeCabin(f.CabinClass),
		OutboundCabinClass: normalizeCabin(f.OutboundCabinClass),
		ReturnCabinClass:   normalizeCabin(f.ReturnCabinClass),
	}
}

// Equal reports whether both fingerprints describe the same search.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Normalize() == other.Normalize()
}

// IsZero reports whether no search parameter is set at all.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Validate checks that the normalized fingerprint describes a searchable itinerary.
func (f Fingerprint) Validate() error {
	n := f.Normalize()
	depart, _ := time.Parse(dateLayout, n.DepartDate)
	return validation.ValidateStruct(&n,
		validation.Field(&n.Origin, validation.Required, validation.Match(iataCode)),
		validation.Field(&n.Destination, validation.Required, validation.Match(iataCode),
			validation.NotIn(n.Origin).Error("must differ from origin")),
		validation.Field(&n.DepartDate, validation.Required, validation.Date(dateLayout)),
		validation.Field(&n.ReturnDate,
			validation.When(n.TripType == TripRoundTrip, validation.Required),
			validation.Date(dateLayout).Min(depart).RangeError("must not be before the departure date")),
		validation.Field(&n.TripType, validation.Required, validation.In(TripOneWay, TripRoundTrip, TripMultiCity)),
		validation.Field(&n.Passengers),
		validation.Field(&n.CabinClass, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (p Passengers) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Adults, validation.Required, validation.Min(1)),
		validation.Field(&p.Children, validation.Min(0)),
		validation.Field(&p.Infants, validation.Min(0), validation.Max(p.Adults).Error("must not exceed adults")),
	)
}

func normalizeAirport(code string) string {
	return upper.String(strings.TrimSpace(code))
}

func normalizeDate(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return t.Format(dateLayout)
		}
	}
	return date
}

func normalizeTripType(tripType string) string {
	t := strings.ToLower(strings.TrimSpace(tripType))
	switch strings.NewReplacer("-", "", "_", "", " ", "").Replace(t) {
	case "oneway", "single":
		return TripOneWay
	case "roundtrip", "return":
		return TripRoundTrip
	case "multicity", "multi":
		return TripMultiCity
	}
	return t
}

// normalizeCabin lower-cases the class and collapses separators, so "Premium Economy",
// "premium-economy" and "PREMIUM_ECONOMY" are the same class.
func normalizeCabin(cabin string) string {
	c := strings.ToLower(strings.TrimSpace(cabin))
	c = strings.NewReplacer("-", " ", "_", " ").Replace(c)
	return strings.Join(strings.Fields(c), "_")
}
