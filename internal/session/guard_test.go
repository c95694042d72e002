package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/prebook/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	sess      *Session
	getErr    error
	updated   *Bundle
	updateErr error
	outcomes  []bool
}

func (f *fakeStore) Unattended(ctx context.Context, userID int64) (*Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	cp := *f.sess
	return &cp, nil
}

func (f *fakeStore) UpdateCredentials(ctx context.Context, userID int64, b Bundle, kind Kind) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = &b
	return nil
}

func (f *fakeStore) MarkRefreshOutcome(ctx context.Context, userID int64, ok bool, errMsg *string, kind Kind) error {
	f.outcomes = append(f.outcomes, ok)
	return nil
}

type fakeRefresher struct {
	res   RefreshResult
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context, b Bundle) (RefreshResult, error) {
	f.calls++
	return f.res, f.err
}

func guardWith(st store, r Refresher) *Guard {
	return &Guard{Store: st, Refresher: r, Staleness: DefaultStaleness, Now: time.Now}
}

func TestEnsureFreshSkipsRefreshWhenRecent(t *testing.T) {
	st := &fakeStore{sess: &Session{
		UserID:          1,
		Kind:            KindUnattended,
		Bundle:          Bundle{Bearer: "b1"},
		LastRefreshedAt: time.Now().Add(-time.Minute),
	}}
	r := &fakeRefresher{}

	sess, err := guardWith(st, r).EnsureFresh(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "b1", sess.Bundle.Bearer)
	assert.Zero(t, r.calls, "fresh bundle must not trigger a refresh")
}

func TestEnsureFreshRefreshesStaleBundle(t *testing.T) {
	st := &fakeStore{sess: &Session{
		UserID:          1,
		Bundle:          Bundle{Bearer: "old"},
		LastRefreshedAt: time.Now().Add(-time.Hour),
		RefreshCount:    3,
	}}
	r := &fakeRefresher{res: RefreshResult{Success: true, Bundle: &Bundle{Bearer: "new", Cookies: "c"}}}

	sess, err := guardWith(st, r).EnsureFresh(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, "new", sess.Bundle.Bearer, "refreshed bundle used in memory")
	require.NotNil(t, st.updated)
	assert.Equal(t, "new", st.updated.Bearer, "refreshed bundle persisted under same identity")
	assert.Equal(t, 4, sess.RefreshCount)
}

func TestEnsureFreshLoggedOutIsTerminal(t *testing.T) {
	st := &fakeStore{sess: &Session{
		Bundle:          Bundle{Bearer: "old"},
		LastRefreshedAt: time.Now().Add(-time.Hour),
	}}
	r := &fakeRefresher{res: RefreshResult{LoggedOut: true, Message: "logged out"}}

	_, err := guardWith(st, r).EnsureFresh(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestEnsureFreshTransientFailureProceedsStale(t *testing.T) {
	st := &fakeStore{sess: &Session{
		Bundle:          Bundle{Bearer: "stale"},
		LastRefreshedAt: time.Now().Add(-time.Hour),
	}}
	r := &fakeRefresher{err: errors.New("upstream 502")}

	sess, err := guardWith(st, r).EnsureFresh(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "stale", sess.Bundle.Bearer, "stale bundle still usable on transient failure")
}

func TestEnsureFreshMissingSession(t *testing.T) {
	st := &fakeStore{getErr: db.ErrNotFound}

	_, err := guardWith(st, &fakeRefresher{}).EnsureFresh(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoSession)
}
