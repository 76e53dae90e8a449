package domain

import (
	"fmt"
	"strconv"
	"strings"
)

type ListingType string

const (
	ListingSale ListingType = "sale"
	ListingRent ListingType = "rent"
)

type Coords struct{ Lat, Lon float64 }

// String renders "lat,lon" the way the search API expects it.
func (c Coords) String() string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lon, 'f', -1, 64)
}

// ParseCoords parses "lat,lon".
func ParseCoords(s string) (Coords, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Coords{}, fmt.Errorf("center %q: want lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Coords{}, fmt.Errorf("center %q: bad latitude: %w", s, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Coords{}, fmt.Errorf("center %q: bad longitude: %w", s, err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Coords{}, fmt.Errorf("center %q: out of range", s)
	}
	return Coords{Lat: lat, Lon: lon}, nil
}

// QueryInput is the operator's raw search request, before resolution.
type QueryInput struct {
	Center       string      `yaml:"center"`
	Zone         string      `yaml:"zone"`
	Neighborhood string      `yaml:"neighborhood"`
	Distance     int         `yaml:"distance" validate:"gt=0"`
	Type         ListingType `yaml:"type" validate:"oneof=sale rent"`
	PriceMax     int         `yaml:"price_max" validate:"gt=0"`
	MinSize      int         `yaml:"min_size" validate:"gte=0"`
}

// QueryParameters is the resolved, read-only search for one run.
type QueryParameters struct {
	Center       Coords
	Zone         string
	Neighborhood string
	Distance     int
	Type         ListingType
	PriceMax     int
	MinSize      *int
}
