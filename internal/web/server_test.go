package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/prebook/internal/auth"
	"github.com/example/prebook/internal/executor"
	"github.com/example/prebook/internal/prebooking"
	"github.com/example/prebook/internal/trigger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	res executor.Response
	err error
	got *trigger.Payload
}

func (f *fakeExecutor) Handle(ctx context.Context, p trigger.Payload) (executor.Response, error) {
	f.got = &p
	return f.res, f.err
}

type fakePrebookings struct {
	created *prebooking.PreBooking
}

func (f *fakePrebookings) Create(ctx context.Context, p prebooking.PreBooking) (prebooking.PreBooking, error) {
	p.ID = uuid.New()
	f.created = &p
	return p, nil
}

func (f *fakePrebookings) FindByID(ctx context.Context, id uuid.UUID) (prebooking.PreBooking, error) {
	return prebooking.PreBooking{}, nil
}

func (f *fakePrebookings) FindByUser(ctx context.Context, userID int64, venueID string) ([]prebooking.PreBooking, error) {
	return nil, nil
}

func (f *fakePrebookings) Delete(ctx context.Context, id uuid.UUID, userID int64) error {
	return nil
}

type fakeScheduler struct{}

func (fakeScheduler) Schedule(ctx context.Context, pb prebooking.PreBooking) (string, error) {
	return "h-1", nil
}

var (
	hashKey  = []byte("0123456789abcdef0123456789abcdef")
	blockKey = []byte("abcdef0123456789abcdef0123456789")
)

func testServer(exec TriggerHandler, store PrebookingStore) *Server {
	return &Server{
		Auth:        auth.NewStore(nil, hashKey, blockKey),
		Prebookings: store,
		Executor:    exec,
		Scheduler:   fakeScheduler{},
	}
}

func postTrigger(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/hooks/trigger", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTriggerWebhookSuccess(t *testing.T) {
	exec := &fakeExecutor{res: executor.Response{Success: true, PreBookingID: "p1", ExecutionTimeMs: 42}}
	srv := testServer(exec, &fakePrebookings{})

	rec := postTrigger(t, srv.Routes(), trigger.Payload{ID: "p1", ExecuteAtMs: 1, SecurityToken: "tok"})

	assert.Equal(t, http.StatusOK, rec.Code)
	var res executor.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "p1", res.PreBookingID)
	assert.Equal(t, int64(42), res.ExecutionTimeMs)
	require.NotNil(t, exec.got)
	assert.Equal(t, "tok", exec.got.SecurityToken)
}

func TestTriggerWebhookBadToken(t *testing.T) {
	exec := &fakeExecutor{err: executor.ErrUnauthorized}
	srv := testServer(exec, &fakePrebookings{})

	rec := postTrigger(t, srv.Routes(), trigger.Payload{ID: "p1", ExecuteAtMs: 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriggerWebhookMalformed(t *testing.T) {
	exec := &fakeExecutor{err: executor.ErrMalformed}
	srv := testServer(exec, &fakePrebookings{})

	rec := postTrigger(t, srv.Routes(), trigger.Payload{ID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// undecodable body short-circuits before the executor
	req := httptest.NewRequest(http.MethodPost, "/hooks/trigger", bytes.NewReader([]byte("{")))
	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Business failures answer 200 so the at-least-once trigger service does
// not redeliver.
func TestTriggerWebhookBusinessFailureIs200(t *testing.T) {
	exec := &fakeExecutor{res: executor.Response{Success: false, PreBookingID: "p1", Message: "class full"}}
	srv := testServer(exec, &fakePrebookings{})

	rec := postTrigger(t, srv.Routes(), trigger.Payload{ID: "p1", ExecuteAtMs: 1})
	assert.Equal(t, http.StatusOK, rec.Code)

	var res executor.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Success)
}

func authedCookie(t *testing.T, srv *Server) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, srv.Auth.SetSession(rec, req, 7))
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies[0]
}

func TestCreateRejectsUnparseableRejection(t *testing.T) {
	srv := testServer(&fakeExecutor{}, &fakePrebookings{})

	body, _ := json.Marshal(createRequest{
		VenueID:          "box-9",
		SlotID:           "s1",
		ClassDay:         "2025-02-14",
		Timezone:         "Europe/Madrid",
		ClassStartsAt:    "2025-02-14T20:30:00Z",
		RejectionMessage: "class is full",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/prebookings", bytes.NewReader(body))
	req.AddCookie(authedCookie(t, srv))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateComputesAvailabilityAndSchedules(t *testing.T) {
	store := &fakePrebookings{}
	srv := testServer(&fakeExecutor{}, store)

	body, _ := json.Marshal(createRequest{
		VenueID:          "box-9",
		SlotID:           "s1",
		ClassDay:         "2025-02-14",
		Timezone:         "Europe/Madrid",
		ClassStartsAt:    "2025-02-14T20:30:00Z",
		RejectionMessage: "no more than 4 días de antelación",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/prebookings", bytes.NewReader(body))
	req.AddCookie(authedCookie(t, srv))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "2025-02-10T20:30:00Z", res["availableAt"])
	assert.Equal(t, float64(4), res["daysAdvance"])
	assert.Equal(t, "h-1", res["scheduleRef"])

	require.NotNil(t, store.created)
	assert.Equal(t, int64(7), store.created.UserID, "identity comes from the session, never a default")
}

func TestCreateRequiresAuth(t *testing.T) {
	srv := testServer(&fakeExecutor{}, &fakePrebookings{})

	req := httptest.NewRequest(http.MethodPost, "/api/prebookings", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
