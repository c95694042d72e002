package trigger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InProcess delivers payloads from a timer goroutine instead of an external
// scheduler. It cannot survive a restart mid-wait, so it only suits
// long-lived single-instance deployments and tests; the batch scheduler is
// the production fallback when no external trigger service exists.
type InProcess struct {
	Handler func(Payload)

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewInProcess(handler func(Payload)) *InProcess {
	return &InProcess{Handler: handler, pending: make(map[string]*time.Timer)}
}

func (t *InProcess) ScheduleAt(ctx context.Context, at time.Time, p Payload) (string, error) {
	handle := uuid.NewString()
	d := time.Until(at)
	if d < 0 {
		d = 0
	}

	t.mu.Lock()
	t.pending[handle] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.pending, handle)
		t.mu.Unlock()
		t.Handler(p)
	})
	t.mu.Unlock()

	log.Printf("trigger: in-process wake-up for %s in %s", p.ID, d)
	return handle, nil
}

func (t *InProcess) Cancel(ctx context.Context, handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.pending[handle]; ok {
		timer.Stop()
		delete(t.pending, handle)
	}
	return nil
}
