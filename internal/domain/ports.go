package domain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source acquires raw listing records for a query.
type Source interface {
	Kind() SourceKind
	Fetch(ctx context.Context, q QueryParameters) (Batch, error)
}

type ListingStore interface {
	// Write paths
	Insert(ctx context.Context, l Listing) (InsertResult, error)
	RecordRun(ctx context.Context, r RunRecord) error

	// Read paths
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (Listing, error)
	ListRecent(ctx context.Context, q ListQuery) (ListingsPage, error)
}

type Notifier interface {
	Notify(ctx context.Context, l Listing) DeliveryResult
}

// Geocoder resolves a zone name. found=false with a nil error is a clean miss.
type Geocoder interface {
	Geocode(ctx context.Context, zone string) (c Coords, found bool, err error)
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}

// Clock is injected wherever wall-clock waits would slow tests down.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Read models & queries
type ListQuery struct {
	Limit  int
	Cursor *Cursor
}

// Cursor is a keyset position on (discovered_at, id), newest first.
type Cursor struct {
	DiscoveredAt time.Time
	ID           string
}

type ListingsPage struct {
	Items      []Listing `json:"items"`
	NextCursor *string   `json:"next_cursor,omitempty"`
}

// RunRecord is the persisted trace of a completed run.
type RunRecord struct {
	ID           string
	Source       SourceKind
	StartedAt    time.Time
	FinishedAt   time.Time
	Seen         int
	New          int
	Duplicates   int
	Rejected     int
	Failed       int
	Notified     int
	NotifyFailed int
	Dropped      int
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.DiscoveredAt.UTC().UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(s string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(b), "|")
	if !ok || id == "" {
		return Cursor{}, errors.New("cursor: malformed")
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor: %w", err)
	}
	return Cursor{DiscoveredAt: time.Unix(0, ns).UTC(), ID: id}, nil
}
