// Package executor runs the hybrid wait-then-fire protocol. The external
// trigger wakes us a few seconds early; everything slow (claim, session
// freshness) happens inside that window, then a precise in-process wait
// carries us to the exact availability instant before the single upstream
// submission.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/prebook/internal/prebooking"
	"github.com/example/prebook/internal/session"
	"github.com/example/prebook/internal/trigger"
	"github.com/example/prebook/internal/upstream"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultDeadline is the hard ceiling for one wake-up: preparatory work plus
// wait plus fire. Overrunning preparation degrades precision but never
// postpones the target instant.
const DefaultDeadline = 10 * time.Second

var (
	// ErrUnauthorized: security token rejected. No claim is attempted.
	ErrUnauthorized = errors.New("executor: invalid security token")
	// ErrMalformed: payload cannot be interpreted. No store mutation.
	ErrMalformed = errors.New("executor: malformed payload")
)

type Store interface {
	Claim(ctx context.Context, id uuid.UUID) (prebooking.PreBooking, error)
	MarkExecuting(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, res prebooking.Result) error
	Fail(ctx context.Context, id uuid.UUID, msg string, res *prebooking.Result) error
}

type Sessions interface {
	EnsureFresh(ctx context.Context, userID int64) (*session.Session, error)
}

type Booker interface {
	Submit(ctx context.Context, intent prebooking.Intent, creds session.Bundle, venueID string) (upstream.Outcome, error)
}

type Verifier interface {
	Verify(tok string, id uuid.UUID, executeAt time.Time) bool
}

type Executor struct {
	Store    Store
	Sessions Sessions
	Booker   Booker
	Tokens   Verifier
	Deadline time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

func New(st Store, se Sessions, b Booker, v Verifier, deadline time.Duration) *Executor {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Executor{Store: st, Sessions: se, Booker: b, Tokens: v, Deadline: deadline, Now: time.Now}
}

// Response is the webhook's reply. Business failures still report success
// to the trigger service generically via the HTTP status; Success here is
// the booking outcome.
type Response struct {
	Success         bool   `json:"success"`
	PreBookingID    string `json:"prebookingId"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	NoOp            bool   `json:"noop,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Handle processes one trigger wake-up end to end. A second delivery for
// the same intent exits at the claim and is a no-op, which is what makes
// at-least-once delivery safe.
func (e *Executor) Handle(ctx context.Context, p trigger.Payload) (Response, error) {
	started := e.Now()

	id, err := uuid.Parse(p.ID)
	if err != nil {
		return Response{}, ErrMalformed
	}
	if p.ExecuteAtMs <= 0 {
		return Response{}, ErrMalformed
	}
	executeAt := time.UnixMilli(p.ExecuteAtMs)

	if !e.Tokens.Verify(p.SecurityToken, id, executeAt) {
		return Response{}, ErrUnauthorized
	}

	ctx, cancel := context.WithDeadline(ctx, started.Add(e.Deadline))
	defer cancel()

	pb, err := e.Store.Claim(ctx, id)
	if err != nil {
		if errors.Is(err, prebooking.ErrNotClaimable) {
			// Redelivery or cancellation; someone else owns this intent.
			log.Printf("executor: %s not claimable, no-op", id)
			return Response{Success: true, PreBookingID: p.ID, NoOp: true, ExecutionTimeMs: e.sinceMs(started)}, nil
		}
		return Response{}, fmt.Errorf("executor: claim %s: %w", id, err)
	}

	res := e.execute(ctx, pb)
	res.ExecutionTimeMs = e.sinceMs(started)
	return res, nil
}

// Execute fires an already-claimed intent. The batch scheduler claims on
// its own and enters here directly.
func (e *Executor) Execute(ctx context.Context, pb prebooking.PreBooking) Response {
	started := e.Now()
	ctx, cancel := context.WithDeadline(ctx, started.Add(e.Deadline))
	defer cancel()

	res := e.execute(ctx, pb)
	res.ExecutionTimeMs = e.sinceMs(started)
	return res
}

func (e *Executor) execute(ctx context.Context, pb prebooking.PreBooking) Response {
	// Session freshness overlaps the precise wait, so refresh latency is
	// absorbed by the early-offset window instead of delaying the fire.
	var sess *session.Session
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sess, err = e.Sessions.EnsureFresh(gctx, pb.UserID)
		return err
	})
	g.Go(func() error {
		e.waitUntil(gctx, pb.AvailableAt)
		return nil
	})

	if err := g.Wait(); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionExpired):
			return e.fail(ctx, pb, "session expired; re-authentication required", nil)
		case errors.Is(err, session.ErrNoSession):
			return e.fail(ctx, pb, "no unattended session for user", nil)
		default:
			return e.fail(ctx, pb, fmt.Sprintf("session load failed: %v", err), nil)
		}
	}

	// Never fire early. g.Wait may have returned before the instant when
	// the session goroutine finished last.
	e.waitUntil(ctx, pb.AvailableAt)
	waitVariance := e.Now().Sub(pb.AvailableAt)

	if err := e.Store.MarkExecuting(ctx, pb.ID); err != nil {
		// Bookkeeping only; the terminal write below is what matters.
		log.Printf("executor: mark executing %s: %v", pb.ID, err)
	}

	fireStart := e.Now()
	outcome, err := e.Booker.Submit(ctx, pb.Intent, sess.Bundle, pb.VenueID)
	fireLatency := e.Now().Sub(fireStart)

	timing := prebooking.Result{
		FireLatencyMs:  fireLatency.Milliseconds(),
		WaitVarianceMs: waitVariance.Milliseconds(),
	}

	if err != nil {
		timing.Message = err.Error()
		return e.fail(ctx, pb, fmt.Sprintf("submit failed: %v", err), &timing)
	}

	timing.StatusCode = outcome.StatusCode
	timing.Message = outcome.Message

	if outcome.Success() {
		timing.Success = true
		timing.BookingID = outcome.BookingID
		timing.AlreadyBooked = outcome.AlreadyBooked
		if err := e.Store.Complete(ctx, pb.ID, timing); err != nil {
			log.Printf("executor: terminal write for %s: %v", pb.ID, err)
		}
		log.Printf("executor: %s completed booking=%s wait_variance=%s fire_latency=%s",
			pb.ID, outcome.BookingID, waitVariance, fireLatency)
		return Response{Success: true, PreBookingID: pb.ID.String()}
	}

	msg := outcome.Message
	if msg == "" {
		msg = fmt.Sprintf("upstream rejected (status=%d, kind=%s)", outcome.StatusCode, outcome.Kind)
	}
	return e.fail(ctx, pb, msg, &timing)
}

func (e *Executor) fail(ctx context.Context, pb prebooking.PreBooking, msg string, timing *prebooking.Result) Response {
	if err := e.Store.Fail(ctx, pb.ID, msg, timing); err != nil {
		log.Printf("executor: terminal write for %s: %v", pb.ID, err)
	}
	log.Printf("executor: %s failed: %s", pb.ID, msg)
	return Response{Success: false, PreBookingID: pb.ID.String(), Message: msg}
}

// waitUntil suspends until the target instant, never less. Uses its own
// timer rather than the coarse trigger service; from a known wake-up this
// lands within tens of milliseconds.
func (e *Executor) waitUntil(ctx context.Context, target time.Time) {
	d := target.Sub(e.Now())
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (e *Executor) sinceMs(t time.Time) int64 {
	return e.Now().Sub(t).Milliseconds()
}

// Scheduler pairs a freshly created prebooking with its wake-up: token
// issued for the exact availability instant, trigger set early by the
// configured offset, handle recorded for cancellation.
type Scheduler struct {
	Trigger     trigger.Trigger
	Tokens      Issuer
	Refs        RefStore
	EarlyOffset time.Duration
}

type Issuer interface {
	Issue(id uuid.UUID, executeAt time.Time) (string, error)
}

type RefStore interface {
	SetScheduleRef(ctx context.Context, id uuid.UUID, ref string) error
}

func (s *Scheduler) Schedule(ctx context.Context, pb prebooking.PreBooking) (string, error) {
	tok, err := s.Tokens.Issue(pb.ID, pb.AvailableAt)
	if err != nil {
		return "", fmt.Errorf("executor: issue token: %w", err)
	}

	p := trigger.Payload{
		ID:            pb.ID.String(),
		ExecuteAtMs:   pb.AvailableAt.UnixMilli(),
		SecurityToken: tok,
	}
	handle, err := s.Trigger.ScheduleAt(ctx, pb.AvailableAt.Add(-s.EarlyOffset), p)
	if err != nil {
		return "", fmt.Errorf("executor: schedule trigger: %w", err)
	}

	if err := s.Refs.SetScheduleRef(ctx, pb.ID, handle); err != nil {
		// The trigger still fires; we just lose the cancel handle.
		log.Printf("executor: record schedule ref for %s: %v", pb.ID, err)
	}
	return handle, nil
}
