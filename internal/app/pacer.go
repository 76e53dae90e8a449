package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"homewatch/internal/domain"
)

// DefaultNotifyInterval is the minimum spacing between two deliveries.
const DefaultNotifyInterval = 3 * time.Second

// Pacer enforces a minimum interval between events. Reservations are taken
// against the injected clock so tests never wait on the wall clock.
type Pacer struct {
	lim   *rate.Limiter
	clock domain.Clock
}

func NewPacer(interval time.Duration, clock domain.Clock) *Pacer {
	if interval <= 0 {
		interval = DefaultNotifyInterval
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Pacer{lim: rate.NewLimiter(rate.Every(interval), 1), clock: clock}
}

// Wait blocks until the next event may start. The first call never waits.
func (p *Pacer) Wait(ctx context.Context) error {
	now := p.clock.Now()
	r := p.lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("pacer: reservation refused")
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	if err := p.clock.Sleep(ctx, d); err != nil {
		r.CancelAt(p.clock.Now())
		return err
	}
	return nil
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
