// Package session owns the upstream credential bundles. Each user carries
// two independent bundles: the interactive one their browser uses, and the
// unattended one automated execution uses. Keeping them separate means a
// user logging out does not invalidate their scheduled prebookings.
package session

import (
	"context"
	"time"

	"github.com/example/prebook/internal/db"
)

type Kind string

const (
	KindUnattended  Kind = "unattended"
	KindInteractive Kind = "interactive"
)

// Bundle is the credential set sent upstream: bearer token plus the cookie
// header value the platform expects alongside it.
type Bundle struct {
	Bearer  string
	Cookies string
}

type Session struct {
	UserID          int64
	Kind            Kind
	Bundle          Bundle
	LastRefreshedAt time.Time
	RefreshCount    int
	UpdatedAt       time.Time
}

// RefreshResult is what a credential refresh reports back. LoggedOut means
// the platform invalidated the session server-side; that is terminal for
// the owning intents.
type RefreshResult struct {
	Success   bool
	Bundle    *Bundle
	LoggedOut bool
	Message   string
}

type Refresher interface {
	Refresh(ctx context.Context, b Bundle) (RefreshResult, error)
}

type Store struct {
	db  *db.DB
	enc *aead
}

func NewStore(d *db.DB, credKey []byte) (*Store, error) {
	enc, err := newAEAD(credKey)
	if err != nil {
		return nil, err
	}
	return &Store{db: d, enc: enc}, nil
}

func (s *Store) Unattended(ctx context.Context, userID int64) (*Session, error) {
	return s.get(ctx, userID, KindUnattended)
}

func (s *Store) Interactive(ctx context.Context, userID int64) (*Session, error) {
	return s.get(ctx, userID, KindInteractive)
}

func (s *Store) get(ctx context.Context, userID int64, kind Kind) (*Session, error) {
	var sess Session
	var bearerEnc, cookiesEnc string
	err := s.db.QueryRow(ctx, `
SELECT user_id, kind, bearer_enc, cookies_enc, last_refreshed_at, refresh_count, updated_at
FROM sessions WHERE user_id=$1 AND kind=$2`, userID, kind).
		Scan(&sess.UserID, &sess.Kind, &bearerEnc, &cookiesEnc, &sess.LastRefreshedAt, &sess.RefreshCount, &sess.UpdatedAt)
	if err != nil {
		return nil, db.WrapNotFound(err)
	}
	if sess.Bundle.Bearer, err = s.enc.open(bearerEnc); err != nil {
		return nil, err
	}
	if sess.Bundle.Cookies, err = s.enc.open(cookiesEnc); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateCredentials persists a refreshed bundle under the same (user, kind)
// identity and bumps the refresh bookkeeping.
func (s *Store) UpdateCredentials(ctx context.Context, userID int64, b Bundle, kind Kind) error {
	bearerEnc, err := s.enc.seal(b.Bearer)
	if err != nil {
		return err
	}
	cookiesEnc, err := s.enc.seal(b.Cookies)
	if err != nil {
		return err
	}
	return s.db.Exec(ctx, `
INSERT INTO sessions(user_id, kind, bearer_enc, cookies_enc, last_refreshed_at, refresh_count)
VALUES ($1,$2,$3,$4,now(),1)
ON CONFLICT (user_id, kind) DO UPDATE SET
  bearer_enc=EXCLUDED.bearer_enc, cookies_enc=EXCLUDED.cookies_enc,
  last_refreshed_at=now(), refresh_count=sessions.refresh_count+1, updated_at=now()`,
		userID, kind, bearerEnc, cookiesEnc)
}

func (s *Store) MarkRefreshOutcome(ctx context.Context, userID int64, ok bool, errMsg *string, kind Kind) error {
	return s.db.Exec(ctx, `
UPDATE sessions SET last_refresh_ok=$3, last_refresh_err=$4, updated_at=now()
WHERE user_id=$1 AND kind=$2`, userID, kind, ok, errMsg)
}
