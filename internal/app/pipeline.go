package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"homewatch/internal/adapters/observability"
	"homewatch/internal/domain"
)

type RunState string

const (
	StateIdle       RunState = "idle"
	StateResolving  RunState = "resolving"
	StateFetching   RunState = "fetching"
	StateProcessing RunState = "processing"
	StateDone       RunState = "done"
	StateFailed     RunState = "failed"
)

type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// RecordResult is the explicit per-record report of a run. Delivery is nil
// when no notification was attempted.
type RecordResult struct {
	Index    int
	ID       string
	Outcome  Outcome
	Reason   string
	Delivery *domain.DeliveryResult
}

type Summary struct {
	RunID      string
	Source     domain.SourceKind
	State      RunState
	States     []RunState
	StartedAt  time.Time
	FinishedAt time.Time
	FellBack   bool

	Seen         int
	New          int
	Duplicates   int
	Rejected     int
	Failed       int
	Notified     int
	NotifyFailed int
	Dropped      int

	// Interrupted is set when the context ended mid-batch.
	Interrupted bool

	Results []RecordResult
}

func (s Summary) String() string {
	return fmt.Sprintf("seen=%d new=%d notified=%d notify_failed=%d duplicates=%d rejected=%d failed=%d dropped=%d",
		s.Seen, s.New, s.Notified, s.NotifyFailed, s.Duplicates, s.Rejected, s.Failed, s.Dropped)
}

func (s Summary) runRecord() domain.RunRecord {
	return domain.RunRecord{
		ID: s.RunID, Source: s.Source, StartedAt: s.StartedAt, FinishedAt: s.FinishedAt,
		Seen: s.Seen, New: s.New, Duplicates: s.Duplicates, Rejected: s.Rejected, Failed: s.Failed,
		Notified: s.Notified, NotifyFailed: s.NotifyFailed, Dropped: s.Dropped,
	}
}

type Deps struct {
	Source     domain.Source
	Store      domain.ListingStore
	Notifier   domain.Notifier // nil disables delivery
	Normalizer *Normalizer
	Pacer      *Pacer
	Resolver   *Resolver
	Clock      domain.Clock
}

// Pipeline drives one run: resolve, fetch, then normalize, dedup, persist and
// notify each record in upstream order.
type Pipeline struct {
	src      domain.Source
	store    domain.ListingStore
	notifier domain.Notifier
	norm     *Normalizer
	pacer    *Pacer
	resolver *Resolver
	clock    domain.Clock
	log      zerolog.Logger
}

func NewPipeline(d Deps) *Pipeline {
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Normalizer == nil {
		d.Normalizer = NewNormalizer("")
	}
	if d.Pacer == nil {
		d.Pacer = NewPacer(DefaultNotifyInterval, d.Clock)
	}
	if d.Resolver == nil {
		d.Resolver = NewResolver(nil)
	}
	return &Pipeline{
		src:      d.Source,
		store:    d.Store,
		notifier: d.Notifier,
		norm:     d.Normalizer,
		pacer:    d.Pacer,
		resolver: d.Resolver,
		clock:    d.Clock,
		log:      observability.Named("pipeline"),
	}
}

// Run executes one batch. A non-nil error means the run failed during
// Resolving or Fetching (store untouched) or was interrupted mid-batch.
func (p *Pipeline) Run(ctx context.Context, in domain.QueryInput) (Summary, error) {
	s := Summary{
		RunID:     uuid.NewString(),
		Source:    p.src.Kind(),
		StartedAt: p.clock.Now(),
	}
	log := p.log.With().Str("run_id", s.RunID).Str("source", string(s.Source)).Logger()

	p.enter(&s, StateIdle)

	p.enter(&s, StateResolving)
	res, err := p.resolver.Resolve(ctx, in, s.Source)
	if err != nil {
		return p.fail(&s, log, err)
	}
	s.FellBack = res.FellBack

	p.enter(&s, StateFetching)
	batch, err := p.src.Fetch(ctx, res.Params)
	if err != nil {
		return p.fail(&s, log, err)
	}
	s.Seen = len(batch.Records)
	s.Dropped = len(batch.Dropped)
	for _, d := range batch.Dropped {
		observability.ObserveRecord(string(s.Source), "dropped")
		log.Warn().Int("idx", d.Index).Str("reason", d.Reason).Msg("record dropped at source")
	}
	log.Info().Int("records", s.Seen).Int("dropped", s.Dropped).Msg("fetched")

	p.enter(&s, StateProcessing)
	seen := make(map[string]struct{}, len(batch.Records))
	var runErr error
	for i, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			s.Interrupted = true
			runErr = fmt.Errorf("run interrupted after %d of %d records: %w", i, len(batch.Records), err)
			log.Warn().Err(err).Int("processed", i).Msg("run interrupted")
			break
		}
		r := p.process(ctx, log, i, rec, seen)
		s.tally(r)
		s.Results = append(s.Results, r)
		observability.ObserveRecord(string(s.Source), string(r.Outcome))
	}

	s.FinishedAt = p.clock.Now()
	p.enter(&s, StateDone)

	// the run is recorded even when interrupted: its inserts already happened
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.RecordRun(recCtx, s.runRecord()); err != nil {
		log.Error().Err(err).Msg("record run failed")
	}

	log.Info().
		Int("seen", s.Seen).Int("new", s.New).Int("notified", s.Notified).
		Int("notify_failed", s.NotifyFailed).Int("duplicates", s.Duplicates).
		Int("rejected", s.Rejected).Int("failed", s.Failed).Int("dropped", s.Dropped).
		Msg("run complete")
	return s, runErr
}

func (p *Pipeline) enter(s *Summary, st RunState) {
	s.State = st
	s.States = append(s.States, st)
	if st == StateDone || st == StateFailed {
		observability.ObserveRun(string(s.Source), string(st))
	}
}

func (p *Pipeline) fail(s *Summary, log zerolog.Logger, err error) (Summary, error) {
	from := s.State
	s.FinishedAt = p.clock.Now()
	p.enter(s, StateFailed)
	log.Error().Stack().Err(pkgerrors.WithStack(err)).Str("phase", string(from)).Str("kind", domain.KindOf(err).String()).Msg("run failed")
	return *s, err
}

func (s *Summary) tally(r RecordResult) {
	switch r.Outcome {
	case OutcomeNew:
		s.New++
	case OutcomeDuplicate:
		s.Duplicates++
	case OutcomeRejected:
		s.Rejected++
	case OutcomeFailed:
		s.Failed++
	}
	if r.Delivery != nil {
		if r.Delivery.Delivered {
			s.Notified++
		} else {
			s.NotifyFailed++
		}
	}
}

// process handles one record. Nothing here may stop the batch: errors and
// panics become a RecordResult.
func (p *Pipeline) process(ctx context.Context, log zerolog.Logger, idx int, rec domain.RawRecord, seen map[string]struct{}) (out RecordResult) {
	out.Index = idx
	defer func() {
		if rv := recover(); rv != nil {
			out.Outcome = OutcomeFailed
			out.Reason = fmt.Sprintf("panic: %v", rv)
			log.Error().Int("idx", idx).Str("id", out.ID).Str("reason", out.Reason).Msg("record failed")
		}
	}()

	l, err := p.norm.Normalize(rec)
	if err != nil {
		out.Reason = err.Error()
		if errors.Is(err, domain.ErrMissingID) {
			out.Outcome = OutcomeRejected
			log.Warn().Int("idx", idx).Str("reason", out.Reason).Msg("record rejected")
		} else {
			out.Outcome = OutcomeFailed
			log.Error().Int("idx", idx).Err(err).Msg("record failed")
		}
		return out
	}
	out.ID = l.ID

	// seen only holds ids the store has confirmed
	if _, dup := seen[l.ID]; dup {
		out.Outcome, out.Reason = OutcomeDuplicate, "repeated in batch"
		return out
	}

	exists, err := p.store.Exists(ctx, l.ID)
	if err != nil {
		out.Outcome, out.Reason = OutcomeFailed, err.Error()
		log.Error().Int("idx", idx).Str("id", l.ID).Err(err).Msg("dedup check failed")
		return out
	}
	if exists {
		seen[l.ID] = struct{}{}
		out.Outcome, out.Reason = OutcomeDuplicate, "already seen"
		return out
	}

	ir, err := p.store.Insert(ctx, l)
	if err != nil {
		out.Outcome, out.Reason = OutcomeFailed, err.Error()
		log.Error().Int("idx", idx).Str("id", l.ID).Err(err).Msg("persist failed")
		return out
	}
	seen[l.ID] = struct{}{}
	if ir == domain.AlreadyExists {
		out.Outcome, out.Reason = OutcomeDuplicate, "already seen"
		return out
	}
	out.Outcome = OutcomeNew
	log.Info().Int("idx", idx).Str("id", l.ID).Str("title", l.Title).Msg("new listing")

	if p.notifier == nil {
		return out
	}
	d := p.deliver(ctx, l)
	out.Delivery = &d
	observability.ObserveDelivery(d.Delivered)
	if !d.Delivered {
		log.Warn().Int("idx", idx).Str("id", l.ID).Str("reason", d.Reason).Msg("notification failed")
	}
	return out
}

func (p *Pipeline) deliver(ctx context.Context, l domain.Listing) domain.DeliveryResult {
	if err := p.pacer.Wait(ctx); err != nil {
		return domain.DeliveryFailed("pacing: " + err.Error())
	}
	return p.notifier.Notify(ctx, l)
}
