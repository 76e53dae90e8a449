package domain

import "time"

// Sentinels for fields the upstream did not provide.
const (
	NotAvailable    = "N/A"
	UnknownLocation = "Unknown Location"
	NoTitle         = "No Title"
)

type SourceKind string

const (
	SourceAPI    SourceKind = "api"
	SourceScrape SourceKind = "scrape"
)

// Listing is the canonical record of one real-estate offering.
// DiscoveredAt is owned by the store and ignored on insert.
type Listing struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Price        string    `json:"price"`
	SqMeters     string    `json:"sq_meters"`
	Location     string    `json:"location"`
	Link         string    `json:"link"`
	Source       string    `json:"source"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// RawRecord is a source-specific record before normalization.
type RawRecord struct {
	Kind   SourceKind
	Fields map[string]any
}

// Dropped describes a record the source could not turn into a RawRecord.
type Dropped struct {
	Index  int
	Reason string
}

// Batch is the result of one fetch. Records keep upstream order.
type Batch struct {
	Records []RawRecord
	Dropped []Dropped
}

type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// DeliveryResult reports a single notification attempt.
type DeliveryResult struct {
	Delivered bool
	Reason    string
}

func Delivered() DeliveryResult { return DeliveryResult{Delivered: true} }

func DeliveryFailed(reason string) DeliveryResult {
	return DeliveryResult{Reason: reason}
}
