package app_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"homewatch/internal/adapters/observability"
	"homewatch/internal/app"
	"homewatch/internal/domain"
)

// ---- fakes ----

type memStore struct {
	rows      map[string]domain.Listing
	runs      []domain.RunRecord
	events    *[]string
	failOnIns map[string]bool
	calls     int
}

func newMemStore(events *[]string) *memStore {
	return &memStore{rows: map[string]domain.Listing{}, events: events, failOnIns: map[string]bool{}}
}

func (m *memStore) Exists(ctx context.Context, id string) (bool, error) {
	m.calls++
	_, ok := m.rows[id]
	return ok, nil
}

func (m *memStore) Insert(ctx context.Context, l domain.Listing) (domain.InsertResult, error) {
	m.calls++
	if m.failOnIns[l.ID] {
		return 0, errors.New("disk full")
	}
	if _, ok := m.rows[l.ID]; ok {
		return domain.AlreadyExists, nil
	}
	l.DiscoveredAt = time.Now()
	m.rows[l.ID] = l
	if m.events != nil {
		*m.events = append(*m.events, "persist:"+l.ID)
	}
	return domain.Inserted, nil
}

func (m *memStore) Get(ctx context.Context, id string) (domain.Listing, error) {
	l, ok := m.rows[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, nil
}

func (m *memStore) ListRecent(ctx context.Context, q domain.ListQuery) (domain.ListingsPage, error) {
	return domain.ListingsPage{}, nil
}

func (m *memStore) RecordRun(ctx context.Context, r domain.RunRecord) error {
	m.runs = append(m.runs, r)
	return nil
}

type fakeSource struct {
	kind  domain.SourceKind
	batch domain.Batch
	err   error
	calls int
}

func (f *fakeSource) Kind() domain.SourceKind { return f.kind }

func (f *fakeSource) Fetch(ctx context.Context, q domain.QueryParameters) (domain.Batch, error) {
	f.calls++
	return f.batch, f.err
}

type fakeNotifier struct {
	events *[]string
	fail   map[string]bool
	sent   []string
}

func (n *fakeNotifier) Notify(ctx context.Context, l domain.Listing) domain.DeliveryResult {
	n.sent = append(n.sent, l.ID)
	if n.events != nil {
		*n.events = append(*n.events, "notify:"+l.ID)
	}
	if n.fail[l.ID] {
		return domain.DeliveryFailed("chat not found")
	}
	return domain.Delivered()
}

func apiBatch(ids ...string) domain.Batch {
	var b domain.Batch
	for _, id := range ids {
		b.Records = append(b.Records, apiRecord(map[string]any{
			"propertyCode": id, "address": "Calle " + id, "price": 900.0, "size": 60.0,
		}))
	}
	return b
}

type harness struct {
	src    *fakeSource
	store  *memStore
	notif  *fakeNotifier
	clock  *fakeClock
	events []string
	p      *app.Pipeline
}

func newHarness(src *fakeSource) *harness {
	h := &harness{src: src, clock: newFakeClock()}
	h.store = newMemStore(&h.events)
	h.notif = &fakeNotifier{events: &h.events, fail: map[string]bool{}}
	h.p = app.NewPipeline(app.Deps{
		Source:     src,
		Store:      h.store,
		Notifier:   h.notif,
		Normalizer: app.NewNormalizer("https://www.idealista.com"),
		Pacer:      app.NewPacer(3*time.Second, h.clock),
		Resolver:   app.NewResolver(nil),
		Clock:      h.clock,
	})
	return h
}

func scenarioInput() domain.QueryInput {
	return domain.QueryInput{Center: "40.4167,-3.70325", Distance: 3000, Type: domain.ListingRent, PriceMax: 1000}
}

// ---- scenarios ----

func TestRun_FreshStoreThenReplay(t *testing.T) {
	h := newHarness(&fakeSource{kind: domain.SourceAPI, batch: apiBatch("101", "102")})
	ctx := context.Background()

	s, err := h.p.Run(ctx, scenarioInput())
	if err != nil {
		t.Fatal(err)
	}
	if s.Seen != 2 || s.New != 2 || s.Notified != 2 || s.State != app.StateDone {
		t.Fatalf("first run: %s state=%s", s, s.State)
	}
	if got := s.String(); !strings.HasPrefix(got, "seen=2 new=2 notified=2 ") {
		t.Fatalf("summary line = %q", got)
	}

	s, err = h.p.Run(ctx, scenarioInput())
	if err != nil {
		t.Fatal(err)
	}
	if s.Seen != 2 || s.New != 0 || s.Notified != 0 || s.Duplicates != 2 {
		t.Fatalf("replay: %s", s)
	}
	if len(h.notif.sent) != 2 {
		t.Fatalf("replay must not notify again, sent=%v", h.notif.sent)
	}
	if len(h.store.runs) != 2 || h.store.runs[0].New != 2 || h.store.runs[1].New != 0 {
		t.Fatalf("run history: %+v", h.store.runs)
	}
}

func TestRun_StateTransitions(t *testing.T) {
	h := newHarness(&fakeSource{kind: domain.SourceAPI, batch: apiBatch("1")})
	s, _ := h.p.Run(context.Background(), scenarioInput())
	want := []app.RunState{app.StateIdle, app.StateResolving, app.StateFetching, app.StateProcessing, app.StateDone}
	if !reflect.DeepEqual(s.States, want) {
		t.Fatalf("states = %v", s.States)
	}
}

func TestRun_ZoneMissDoesNotFail(t *testing.T) {
	src := &fakeSource{kind: domain.SourceAPI, batch: apiBatch("1")}
	h := newHarness(src)
	p := app.NewPipeline(app.Deps{
		Source: src, Store: h.store, Notifier: h.notif,
		Pacer:    app.NewPacer(3*time.Second, h.clock),
		Resolver: app.NewResolver(&fakeGeocoder{found: false}),
		Clock:    h.clock,
	})
	in := scenarioInput()
	in.Center, in.Zone = "", "Nowhereland"

	s, err := p.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("zone miss must not fail the run: %v", err)
	}
	if !s.FellBack || s.State != app.StateDone || s.New != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestRun_ScrapeBatchWithDroppedContainer(t *testing.T) {
	src := &fakeSource{kind: domain.SourceScrape, batch: domain.Batch{
		Records: []domain.RawRecord{
			{Kind: domain.SourceScrape, Fields: map[string]any{"id": "90001", "title": "Piso", "link": "/inmueble/90001/"}},
			{Kind: domain.SourceScrape, Fields: map[string]any{"id": "90003", "title": "Estudio"}},
		},
		Dropped: []domain.Dropped{{Index: 1, Reason: "container has no data-element-id"}},
	}}
	h := newHarness(src)
	in := scenarioInput()
	in.Zone = "madrid-madrid"

	s, err := h.p.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if s.Seen != 2 || s.New != 2 || s.Dropped != 1 || s.State != app.StateDone {
		t.Fatalf("unexpected summary: %s", s)
	}
}

func TestRun_AuthFailureLeavesStoreUntouched(t *testing.T) {
	authErr := domain.AuthError("idealista.token", 401, `{"error":"invalid_client"}`, nil)
	h := newHarness(&fakeSource{kind: domain.SourceAPI, err: authErr})

	s, err := h.p.Run(context.Background(), scenarioInput())
	if !domain.IsKind(err, domain.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if s.State != app.StateFailed {
		t.Fatalf("state = %s", s.State)
	}
	if h.store.calls != 0 || len(h.store.runs) != 0 || len(h.notif.sent) != 0 {
		t.Fatalf("store/notifier touched: calls=%d runs=%d sent=%v", h.store.calls, len(h.store.runs), h.notif.sent)
	}
}

func TestRun_FailureLogCarriesStack(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	var buf bytes.Buffer
	_ = observability.NewLogger("prod", "info") // installs the stack marshaler
	log.Logger = zerolog.New(&buf)

	authErr := domain.AuthError("idealista.token", 401, "", nil)
	h := newHarness(&fakeSource{kind: domain.SourceAPI, err: authErr})
	if _, err := h.p.Run(context.Background(), scenarioInput()); err != authErr {
		t.Fatalf("returned error must be unwrapped, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"message":"run failed"`) || !strings.Contains(out, `"stack":[`) {
		t.Fatalf("expected a stack on the failure log, got %s", out)
	}
}

func TestRun_InvalidQueryFailsInResolving(t *testing.T) {
	src := &fakeSource{kind: domain.SourceAPI}
	h := newHarness(src)
	in := scenarioInput()
	in.Type = "lease"

	s, err := h.p.Run(context.Background(), in)
	if !domain.IsKind(err, domain.KindConfig) || s.State != app.StateFailed {
		t.Fatalf("state=%s err=%v", s.State, err)
	}
	if src.calls != 0 {
		t.Fatalf("fetch must not run")
	}
}

// ---- properties ----

func TestRun_NewEqualsNMinusK(t *testing.T) {
	for k := 0; k <= 5; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			ids := []string{"a", "b", "c", "d", "e"}
			h := newHarness(&fakeSource{kind: domain.SourceAPI, batch: apiBatch(ids...)})
			for _, id := range ids[:k] {
				h.store.rows[id] = domain.Listing{ID: id}
			}
			s, err := h.p.Run(context.Background(), scenarioInput())
			if err != nil {
				t.Fatal(err)
			}
			if s.New != len(ids)-k || len(h.notif.sent) != len(ids)-k || s.Duplicates != k {
				t.Fatalf("new=%d notified=%d duplicates=%d", s.New, len(h.notif.sent), s.Duplicates)
			}
		})
	}
}

func TestRun_InBatchDuplicatesNotifiedOnce(t *testing.T) {
	h := newHarness(&fakeSource{kind: domain.SourceAPI, batch: apiBatch("1", "2", "1", "1")})
	s, err := h.p.Run(context.Background(), scenarioInput())
	if err != nil {
		t.Fatal(err)
	}
	if s.Seen != 4 || s.New != 2 || s.Duplicates != 2 || len(h.notif.sent) != 2 {
		t.Fatalf("summary %s sent=%v", s, h.notif.sent)
	}
}

func TestRun_PersistHappensBeforeNotify(t *testing.T) {
	h := newHarness(&fakeSource{kind: domain.SourceAPI, batch: apiBatch("1", "2")})
	if _, err := h.p.Run(context.Background(), scenarioInput()); err != nil {
		t.Fatal(err)
	}
	want := []string{"persist:1", "notify:1", "persist:2", "notify:2"}
	if !reflect.DeepEqual(h.events, want) {
		t.Fatalf("events = %v", h.events)
	}
}

func TestRun_DeliveriesArePaced(t *testing.T) {
	h := newHarness(&fakeSource{kind: domain.SourceAPI, batch: apiBatch("1", "2", "3")})
	if _, err := h.p.Run(context.Background(), scenarioInput()); err != nil {
		t.Fatal(err)
	}
	if len(h.clock.sleeps) != 2 {
		t.Fatalf("expected two pacing waits, got %v", h.clock.sleeps)
	}
	for _, d := range h.clock.sleeps {
		if d < 3*time.Second-time.Millisecond {
			t.Fatalf("pacing wait %v shorter than interval", d)
		}
	}
}

func TestRun_NotifyFailureContinuesAndKeepsRecord(t *testing.T) {
	h := newHarness(&fakeSource{kind: domain.SourceAPI, batch: apiBatch("1", "2", "3")})
	h.notif.fail["2"] = true

	s, err := h.p.Run(context.Background(), scenarioInput())
	if err != nil {
		t.Fatal(err)
	}
	if s.New != 3 || s.Notified != 2 || s.NotifyFailed != 1 {
		t.Fatalf("summary %s", s)
	}
	if _, ok := h.store.rows["2"]; !ok {
		t.Fatalf("listing must stay recorded after failed delivery")
	}
	r := s.Results[1]
	if r.Delivery == nil || r.Delivery.Delivered || r.Delivery.Reason != "chat not found" {
		t.Fatalf("record result = %+v", r)
	}
}

func TestRun_RepeatAfterFailedPersistIsNotDuplicate(t *testing.T) {
	h := newHarness(&fakeSource{kind: domain.SourceAPI, batch: apiBatch("7", "7")})
	h.store.failOnIns["7"] = true

	s, err := h.p.Run(context.Background(), scenarioInput())
	if err != nil {
		t.Fatal(err)
	}
	if s.Failed != 2 || s.Duplicates != 0 || len(h.store.rows) != 0 {
		t.Fatalf("summary %s stored=%d", s, len(h.store.rows))
	}
	if r := s.Results[1]; r.Outcome != app.OutcomeFailed {
		t.Fatalf("second record = %+v", r)
	}
}

func TestRun_BadRecordsAreIsolated(t *testing.T) {
	b := apiBatch("1")
	b.Records = append(b.Records,
		apiRecord(map[string]any{"address": "no id"}),
		domain.RawRecord{Kind: "carrier-pigeon", Fields: map[string]any{"id": "x"}},
	)
	b.Records = append(b.Records, apiBatch("4").Records...)
	h := newHarness(&fakeSource{kind: domain.SourceAPI, batch: b})
	h.store.failOnIns["4"] = true

	s, err := h.p.Run(context.Background(), scenarioInput())
	if err != nil {
		t.Fatal(err)
	}
	if s.Seen != 4 || s.New != 1 || s.Rejected != 1 || s.Failed != 2 || s.Notified != 1 {
		t.Fatalf("summary %s", s)
	}
	if s.Results[1].Outcome != app.OutcomeRejected || s.Results[3].Outcome != app.OutcomeFailed {
		t.Fatalf("results = %+v", s.Results)
	}
}

func TestRun_NotifyDisabled(t *testing.T) {
	src := &fakeSource{kind: domain.SourceAPI, batch: apiBatch("1", "2")}
	store := newMemStore(nil)
	p := app.NewPipeline(app.Deps{Source: src, Store: store, Clock: newFakeClock()})

	s, err := p.Run(context.Background(), scenarioInput())
	if err != nil {
		t.Fatal(err)
	}
	if s.New != 2 || s.Notified != 0 || s.NotifyFailed != 0 {
		t.Fatalf("summary %s", s)
	}
}

func TestRun_CancelledMidBatchStopsBetweenRecords(t *testing.T) {
	src := &fakeSource{kind: domain.SourceAPI, batch: apiBatch("1", "2", "3")}
	ctx, cancel := context.WithCancel(context.Background())
	store := newMemStore(nil)
	notif := &cancelAfterFirst{cancel: cancel}
	p := app.NewPipeline(app.Deps{Source: src, Store: store, Notifier: notif, Clock: newFakeClock()})

	s, err := p.Run(ctx, scenarioInput())
	if !errors.Is(err, context.Canceled) || !s.Interrupted {
		t.Fatalf("err=%v interrupted=%v", err, s.Interrupted)
	}
	if s.New != 1 || len(store.rows) != 1 || len(store.runs) != 1 {
		t.Fatalf("summary %s rows=%d runs=%d", s, len(store.rows), len(store.runs))
	}
}

type cancelAfterFirst struct{ cancel context.CancelFunc }

func (c *cancelAfterFirst) Notify(ctx context.Context, l domain.Listing) domain.DeliveryResult {
	c.cancel()
	return domain.Delivered()
}
