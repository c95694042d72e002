package prebooking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status moves strictly forward: pending -> loaded -> executing -> completed|failed.
// A row never returns to pending and terminal rows never change again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLoaded    Status = "loaded"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusLoaded || to == StatusFailed
	case StatusLoaded:
		return to == StatusExecuting || to == StatusFailed
	case StatusExecuting:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// ErrNotClaimable means another actor already owns the intent (or it was
// cancelled). Callers treat this as a normal early exit, not a fault.
var ErrNotClaimable = errors.New("prebooking: not claimable")

// Intent is the immutable payload submitted upstream when execution fires.
type Intent struct {
	SlotID   string
	ClassDay string // YYYY-MM-DD in the venue's timezone
	FamilyID string
}

// Result is written exactly once, on the terminal transition.
type Result struct {
	Success        bool
	BookingID      string
	Message        string
	StatusCode     int
	AlreadyBooked  bool // upstream reported non-success but surfaced a booking id
	FireLatencyMs  int64
	WaitVarianceMs int64
}

type PreBooking struct {
	ID      uuid.UUID
	UserID  int64
	VenueID string
	Intent  Intent

	AvailableAt time.Time
	Status      Status

	Result       *Result
	ErrorMessage *string
	ScheduleRef  *string

	CreatedAt  time.Time
	LoadedAt   *time.Time
	ExecutedAt *time.Time
}

func (p PreBooking) Validate() error {
	if p.UserID == 0 {
		return fmt.Errorf("user_id required")
	}
	if p.VenueID == "" {
		return fmt.Errorf("venue_id required")
	}
	if p.Intent.SlotID == "" {
		return fmt.Errorf("slot_id required")
	}
	if p.Intent.ClassDay == "" {
		return fmt.Errorf("class_day required")
	}
	if p.AvailableAt.IsZero() {
		return fmt.Errorf("available_at required")
	}
	return nil
}
