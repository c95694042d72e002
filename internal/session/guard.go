package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/example/prebook/internal/db"
)

// DefaultStaleness is how old an unattended bundle may be before execution
// refreshes it inline.
const DefaultStaleness = 25 * time.Minute

// ErrSessionExpired means the platform logged the session out; the owning
// intent must fail terminally, the user has to re-authenticate.
var ErrSessionExpired = errors.New("session: expired upstream")

// ErrNoSession means no unattended bundle exists for the user at all.
var ErrNoSession = errors.New("session: no unattended session")

// store is the slice of Store the guard needs; tests substitute a fake.
type store interface {
	Unattended(ctx context.Context, userID int64) (*Session, error)
	UpdateCredentials(ctx context.Context, userID int64, b Bundle, kind Kind) error
	MarkRefreshOutcome(ctx context.Context, userID int64, ok bool, errMsg *string, kind Kind) error
}

// Guard makes sure execution fires with credentials refreshed inside the
// staleness window. A separate out-of-band refresher may be rotating the
// same bundle concurrently; a transient refresh failure is therefore soft.
type Guard struct {
	Store     store
	Refresher Refresher
	Staleness time.Duration
	Now       func() time.Time
}

func NewGuard(st *Store, r Refresher, staleness time.Duration) *Guard {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Guard{Store: st, Refresher: r, Staleness: staleness, Now: time.Now}
}

// EnsureFresh returns the unattended bundle to execute with, refreshing it
// first when stale. The refreshed bundle is returned in memory; no
// re-fetch after the write.
func (g *Guard) EnsureFresh(ctx context.Context, userID int64) (*Session, error) {
	sess, err := g.Store.Unattended(ctx, userID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, ErrNoSession
		}
		return nil, err
	}

	age := g.Now().Sub(sess.LastRefreshedAt)
	if age <= g.Staleness {
		return sess, nil
	}

	res, err := g.Refresher.Refresh(ctx, sess.Bundle)
	if err != nil {
		// Soft failure: the out-of-band refresher may have kept the
		// bundle valid, so proceed with what we have.
		log.Printf("session: refresh for user %d failed, proceeding with stale bundle (age %s): %v", userID, age, err)
		msg := err.Error()
		_ = g.Store.MarkRefreshOutcome(ctx, userID, false, &msg, KindUnattended)
		return sess, nil
	}

	if res.LoggedOut {
		msg := res.Message
		_ = g.Store.MarkRefreshOutcome(ctx, userID, false, &msg, KindUnattended)
		return nil, ErrSessionExpired
	}

	if !res.Success || res.Bundle == nil {
		log.Printf("session: refresh for user %d not successful (%s), proceeding with stale bundle", userID, res.Message)
		msg := res.Message
		_ = g.Store.MarkRefreshOutcome(ctx, userID, false, &msg, KindUnattended)
		return sess, nil
	}

	if err := g.Store.UpdateCredentials(ctx, userID, *res.Bundle, KindUnattended); err != nil {
		// Persisting failed but the refreshed bundle in hand is valid.
		log.Printf("session: persisting refreshed bundle for user %d failed: %v", userID, err)
	}
	_ = g.Store.MarkRefreshOutcome(ctx, userID, true, nil, KindUnattended)

	sess.Bundle = *res.Bundle
	sess.LastRefreshedAt = g.Now()
	sess.RefreshCount++
	return sess, nil
}
