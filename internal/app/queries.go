package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"homewatch/internal/domain"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// QueryService serves the read side with a read-through cache.
type QueryService struct {
	repo     domain.ListingStore
	cache    domain.Cache
	cacheTTL time.Duration
}

func NewQueryService(r domain.ListingStore, c domain.Cache, ttl time.Duration) *QueryService {
	return &QueryService{repo: r, cache: c, cacheTTL: ttl}
}

func (s *QueryService) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	key := "listing:" + id
	var l domain.Listing
	if s.cache != nil {
		if ok, _ := s.cache.Get(ctx, key, &l); ok {
			return l, nil
		}
	}
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	if s.cache != nil {
		// listings are write-once, so the entry never goes stale
		_ = s.cache.Set(ctx, key, l, int(s.cacheTTL.Seconds()))
	}
	return l, nil
}

// ListRecent pages newest first. Only cursor pages are cached: the head page
// changes with every run.
func (s *QueryService) ListRecent(ctx context.Context, q domain.ListQuery) (domain.ListingsPage, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}

	var key string
	if q.Cursor != nil && s.cache != nil {
		key = fmt.Sprintf("listings:%d:%s", q.Limit, q.Cursor.Encode())
		var out domain.ListingsPage
		if ok, _ := s.cache.Get(ctx, key, &out); ok {
			return out, nil
		}
	}

	page, err := s.repo.ListRecent(ctx, q)
	if err != nil {
		return domain.ListingsPage{}, err
	}
	out := deepCopyListingsPage(page)

	if key != "" {
		if b, _ := json.Marshal(out); len(b) < 1_000_000 {
			_ = s.cache.Set(ctx, key, out, int(s.cacheTTL.Seconds()))
		}
	}
	return out, nil
}

func deepCopyListingsPage(in domain.ListingsPage) domain.ListingsPage {
	out := domain.ListingsPage{NextCursor: in.NextCursor}
	if n := len(in.Items); n > 0 {
		out.Items = make([]domain.Listing, n)
		copy(out.Items, in.Items)
	}
	return out
}
