package prebooking

import (
	"context"
	"errors"
	"time"

	"github.com/example/prebook/internal/db"
	"github.com/google/uuid"
)

const cols = `id,user_id,venue_id,slot_id,class_day,family_id,available_at,status,
result_success,result_booking_id,result_message,result_status_code,already_booked,
fire_latency_ms,wait_variance_ms,error_message,schedule_ref,created_at,loaded_at,executed_at`

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func scanRow(row db.Row) (PreBooking, error) {
	var p PreBooking
	var (
		success    *bool
		bookingID  *string
		message    *string
		statusCode *int
		already    bool
		fireMs     *int64
		waitMs     *int64
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.VenueID, &p.Intent.SlotID, &p.Intent.ClassDay, &p.Intent.FamilyID,
		&p.AvailableAt, &p.Status,
		&success, &bookingID, &message, &statusCode, &already, &fireMs, &waitMs,
		&p.ErrorMessage, &p.ScheduleRef, &p.CreatedAt, &p.LoadedAt, &p.ExecutedAt,
	)
	if err != nil {
		return PreBooking{}, err
	}
	if success != nil {
		res := Result{Success: *success, AlreadyBooked: already}
		if bookingID != nil {
			res.BookingID = *bookingID
		}
		if message != nil {
			res.Message = *message
		}
		if statusCode != nil {
			res.StatusCode = *statusCode
		}
		if fireMs != nil {
			res.FireLatencyMs = *fireMs
		}
		if waitMs != nil {
			res.WaitVarianceMs = *waitMs
		}
		p.Result = &res
	}
	return p, nil
}

func (r *Repo) Create(ctx context.Context, p PreBooking) (PreBooking, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	created, err := scanRow(r.db.QueryRow(ctx, `
INSERT INTO prebookings(id,user_id,venue_id,slot_id,class_day,family_id,available_at,status)
VALUES ($1,$2,$3,$4,$5,$6,$7,'pending')
RETURNING `+cols,
		p.ID, p.UserID, p.VenueID, p.Intent.SlotID, p.Intent.ClassDay, p.Intent.FamilyID, p.AvailableAt))
	if err != nil {
		return PreBooking{}, db.WrapNotFound(err)
	}
	return created, nil
}

func (r *Repo) FindByID(ctx context.Context, id uuid.UUID) (PreBooking, error) {
	p, err := scanRow(r.db.QueryRow(ctx, `SELECT `+cols+` FROM prebookings WHERE id=$1`, id))
	if err != nil {
		return PreBooking{}, db.WrapNotFound(err)
	}
	return p, nil
}

// Claim is the single conditional update that makes concurrent wake-ups
// safe: only a row still in 'pending' can move to 'loaded', and everyone
// who loses the race sees zero rows.
func (r *Repo) Claim(ctx context.Context, id uuid.UUID) (PreBooking, error) {
	p, err := scanRow(r.db.QueryRow(ctx, `
UPDATE prebookings SET status='loaded', loaded_at=now()
WHERE id=$1 AND status='pending'
RETURNING `+cols, id))
	if err != nil {
		if db.IsNotFound(err) {
			return PreBooking{}, ErrNotClaimable
		}
		return PreBooking{}, db.WrapNotFound(err)
	}
	return p, nil
}

func (r *Repo) MarkExecuting(ctx context.Context, id uuid.UUID) error {
	n, err := r.db.ExecRows(ctx, `
UPDATE prebookings SET status='executing', executed_at=now()
WHERE id=$1 AND status='loaded'`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimable
	}
	return nil
}

func (r *Repo) Complete(ctx context.Context, id uuid.UUID, res Result) error {
	return r.terminal(ctx, id, StatusCompleted, &res, nil)
}

func (r *Repo) Fail(ctx context.Context, id uuid.UUID, msg string, res *Result) error {
	return r.terminal(ctx, id, StatusFailed, res, &msg)
}

func (r *Repo) terminal(ctx context.Context, id uuid.UUID, st Status, res *Result, errMsg *string) error {
	var (
		success    *bool
		bookingID  *string
		message    *string
		statusCode *int
		already    bool
		fireMs     *int64
		waitMs     *int64
	)
	if res != nil {
		success = &res.Success
		bookingID = &res.BookingID
		message = &res.Message
		statusCode = &res.StatusCode
		already = res.AlreadyBooked
		fireMs = &res.FireLatencyMs
		waitMs = &res.WaitVarianceMs
	}
	n, err := r.db.ExecRows(ctx, `
UPDATE prebookings SET status=$2, result_success=$3, result_booking_id=$4, result_message=$5,
  result_status_code=$6, already_booked=$7, fire_latency_ms=$8, wait_variance_ms=$9, error_message=$10
WHERE id=$1 AND status NOT IN ('completed','failed')`,
		id, st, success, bookingID, message, statusCode, already, fireMs, waitMs, errMsg)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("prebooking: terminal state already written")
	}
	return nil
}

func (r *Repo) SetScheduleRef(ctx context.Context, id uuid.UUID, ref string) error {
	return r.db.Exec(ctx, `UPDATE prebookings SET schedule_ref=$2 WHERE id=$1`, id, ref)
}

func (r *Repo) FindByUser(ctx context.Context, userID int64, venueID string) ([]PreBooking, error) {
	if venueID != "" {
		return r.list(ctx, `
SELECT `+cols+` FROM prebookings WHERE user_id=$1 AND venue_id=$2 ORDER BY created_at DESC`,
			userID, venueID)
	}
	return r.list(ctx, `
SELECT `+cols+` FROM prebookings WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

// FindDue feeds the batch fallback: pending intents whose availability
// instant falls before the horizon, oldest first so firing approximates
// arrival order.
func (r *Repo) FindDue(ctx context.Context, before time.Time) ([]PreBooking, error) {
	return r.list(ctx, `
SELECT `+cols+` FROM prebookings
WHERE status='pending' AND available_at <= $1
ORDER BY created_at ASC`, before)
}

// SweepStale lists rows stuck in loaded/executing past the given age.
// Operational reconciliation only; the hot path never calls this.
func (r *Repo) SweepStale(ctx context.Context, olderThan time.Duration) ([]PreBooking, error) {
	return r.list(ctx, `
SELECT `+cols+` FROM prebookings
WHERE status IN ('loaded','executing') AND loaded_at < now() - $1::interval
ORDER BY loaded_at ASC`, olderThan.String())
}

func (r *Repo) Delete(ctx context.Context, id uuid.UUID, userID int64) error {
	n, err := r.db.ExecRows(ctx, `DELETE FROM prebookings WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *Repo) list(ctx context.Context, q string, args ...any) ([]PreBooking, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PreBooking
	for rows.Next() {
		p, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
