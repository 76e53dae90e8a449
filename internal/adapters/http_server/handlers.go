package httpserver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"homewatch/internal/app"
	"homewatch/internal/domain"
)

// ListingReader is the read side the handlers depend on; *app.QueryService
// satisfies it.
type ListingReader interface {
	GetListing(ctx context.Context, id string) (domain.Listing, error)
	ListRecent(ctx context.Context, q domain.ListQuery) (domain.ListingsPage, error)
}

type Handlers struct{ Q ListingReader }

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	s.mux.Get("/v1/listings", h.listListings)
	s.mux.Get("/v1/listings/{id}", h.getListing)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("failed to write body")
	}
}

func (h *Handlers) getListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l, err := h.Q.GetListing(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "listing not found")
		return
	case err != nil:
		log.Error().Err(err).Str("id", id).Msg("get listing failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	writeJSON(w, r, l)
}

func (h *Handlers) listListings(w http.ResponseWriter, r *http.Request) {
	q := domain.ListQuery{Limit: app.DefaultPageLimit}
	if ls := r.URL.Query().Get("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n <= 0 || n > app.MaxPageLimit {
			writeProblem(w, http.StatusBadRequest, "Invalid limit",
				"limit must be an integer between 1 and "+strconv.Itoa(app.MaxPageLimit))
			return
		}
		q.Limit = n
	}
	if cs := r.URL.Query().Get("cursor"); cs != "" {
		c, err := domain.DecodeCursor(cs)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid cursor", "cursor is malformed")
			return
		}
		q.Cursor = &c
	}

	out, err := h.Q.ListRecent(r.Context(), q)
	if err != nil {
		log.Error().Err(err).Msg("list listings failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if out.Items == nil {
		out.Items = []domain.Listing{}
	}
	writeJSON(w, r, out)
}
