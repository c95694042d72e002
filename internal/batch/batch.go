// Package batch is the degraded-mode fallback for deployments without an
// external trigger service: a polling loop that claims due intents and
// fires them in creation order. Precision is seconds, not sub-second.
package batch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/example/prebook/internal/executor"
	"github.com/example/prebook/internal/prebooking"
	"github.com/google/uuid"
)

type Store interface {
	FindDue(ctx context.Context, before time.Time) ([]prebooking.PreBooking, error)
	Claim(ctx context.Context, id uuid.UUID) (prebooking.PreBooking, error)
}

type Firer interface {
	Execute(ctx context.Context, pb prebooking.PreBooking) executor.Response
}

type Scheduler struct {
	Store    Store
	Exec     Firer
	Interval time.Duration
	Window   time.Duration // look-ahead beyond now when querying due intents
	Stagger  time.Duration // gap between staggered submissions in one tick

	wg sync.WaitGroup
}

func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	// kick immediately
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.Store.FindDue(ctx, time.Now().Add(s.Window))
	if err != nil {
		log.Printf("batch: due query failed: %v", err)
		return
	}

	// FindDue orders by created_at; launching with a small stagger
	// approximates first-in-first-out arrival upstream without
	// serializing full round-trip latency.
	for i, pb := range due {
		claimed, err := s.Store.Claim(ctx, pb.ID)
		if err != nil {
			// lost to a concurrent tick or a trigger wake-up; normal
			continue
		}

		if i > 0 && s.Stagger > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.Stagger):
			}
		}

		s.wg.Add(1)
		go func(pb prebooking.PreBooking) {
			defer s.wg.Done()
			s.Exec.Execute(ctx, pb)
		}(claimed)
	}
}
