package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/prebook/internal/executor"
	"github.com/example/prebook/internal/prebooking"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type memStore struct {
	mu   sync.Mutex
	rows []*prebooking.PreBooking
}

func (m *memStore) FindDue(ctx context.Context, before time.Time) ([]prebooking.PreBooking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []prebooking.PreBooking
	for _, r := range m.rows {
		if r.Status == prebooking.StatusPending && !r.AvailableAt.After(before) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) Claim(ctx context.Context, id uuid.UUID) (prebooking.PreBooking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id && r.Status == prebooking.StatusPending {
			r.Status = prebooking.StatusLoaded
			return *r, nil
		}
	}
	return prebooking.PreBooking{}, prebooking.ErrNotClaimable
}

type recordingFirer struct {
	mu    sync.Mutex
	order []uuid.UUID
	done  chan struct{}
	want  int
}

func (r *recordingFirer) Execute(ctx context.Context, pb prebooking.PreBooking) executor.Response {
	r.mu.Lock()
	r.order = append(r.order, pb.ID)
	if len(r.order) == r.want {
		close(r.done)
	}
	r.mu.Unlock()
	return executor.Response{Success: true, PreBookingID: pb.ID.String()}
}

func TestTickFiresDueIntentsInCreationOrder(t *testing.T) {
	now := time.Now()
	first := &prebooking.PreBooking{ID: uuid.New(), Status: prebooking.StatusPending, AvailableAt: now, CreatedAt: now.Add(-2 * time.Hour)}
	second := &prebooking.PreBooking{ID: uuid.New(), Status: prebooking.StatusPending, AvailableAt: now, CreatedAt: now.Add(-time.Hour)}
	notDue := &prebooking.PreBooking{ID: uuid.New(), Status: prebooking.StatusPending, AvailableAt: now.Add(time.Hour), CreatedAt: now}

	st := &memStore{rows: []*prebooking.PreBooking{first, second, notDue}}
	firer := &recordingFirer{done: make(chan struct{}), want: 2}

	s := &Scheduler{Store: st, Exec: firer, Interval: time.Hour, Window: time.Second, Stagger: 20 * time.Millisecond}
	s.tick(context.Background())
	s.wg.Wait()

	select {
	case <-firer.done:
	case <-time.After(time.Second):
		t.Fatal("due intents did not fire")
	}

	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, firer.order, "creation order with stagger")
	assert.Equal(t, prebooking.StatusPending, notDue.Status, "future intent untouched")
}

func TestTickSkipsAlreadyClaimed(t *testing.T) {
	now := time.Now()
	claimed := &prebooking.PreBooking{ID: uuid.New(), Status: prebooking.StatusLoaded, AvailableAt: now}
	pending := &prebooking.PreBooking{ID: uuid.New(), Status: prebooking.StatusPending, AvailableAt: now}

	st := &memStore{rows: []*prebooking.PreBooking{claimed, pending}}
	firer := &recordingFirer{done: make(chan struct{}), want: 1}

	s := &Scheduler{Store: st, Exec: firer, Interval: time.Hour, Window: time.Second}
	s.tick(context.Background())
	s.wg.Wait()

	assert.Equal(t, []uuid.UUID{pending.ID}, firer.order)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := &memStore{}
	s := &Scheduler{Store: st, Exec: &recordingFirer{done: make(chan struct{}), want: -1}, Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}
