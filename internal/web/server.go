package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/example/prebook/internal/auth"
	"github.com/example/prebook/internal/availability"
	"github.com/example/prebook/internal/db"
	"github.com/example/prebook/internal/executor"
	"github.com/example/prebook/internal/prebooking"
	"github.com/example/prebook/internal/trigger"
	"github.com/google/uuid"
)

type PrebookingStore interface {
	Create(ctx context.Context, p prebooking.PreBooking) (prebooking.PreBooking, error)
	FindByID(ctx context.Context, id uuid.UUID) (prebooking.PreBooking, error)
	FindByUser(ctx context.Context, userID int64, venueID string) ([]prebooking.PreBooking, error)
	Delete(ctx context.Context, id uuid.UUID, userID int64) error
}

type TriggerHandler interface {
	Handle(ctx context.Context, p trigger.Payload) (executor.Response, error)
}

type IntentScheduler interface {
	Schedule(ctx context.Context, pb prebooking.PreBooking) (string, error)
}

type Server struct {
	Auth        *auth.Store
	Prebookings PrebookingStore
	Executor    TriggerHandler
	Scheduler   IntentScheduler
	Trigger     trigger.Trigger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	// authenticated by the security token, not the cookie
	mux.HandleFunc("POST /hooks/trigger", s.handleTrigger)

	mux.Handle("POST /api/prebookings", s.Auth.RequireAuth(http.HandlerFunc(s.handleCreate)))
	mux.Handle("GET /api/prebookings", s.Auth.RequireAuth(http.HandlerFunc(s.handleList)))
	mux.Handle("DELETE /api/prebookings/{id}", s.Auth.RequireAuth(http.HandlerFunc(s.handleCancel)))

	return mux
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := s.Auth.Authenticate(r.Context(), strings.TrimSpace(body.Username), body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username/password")
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": id})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

type createRequest struct {
	VenueID          string `json:"venueId"`
	SlotID           string `json:"slotId"`
	ClassDay         string `json:"classDay"` // YYYY-MM-DD
	FamilyID         string `json:"familyId"`
	ClassStartsAt    string `json:"classStartsAt"` // RFC3339, optional
	Timezone         string `json:"timezone"`
	RejectionMessage string `json:"rejectionMessage"`
}

// handleCreate turns an upstream "too early" rejection into a scheduled
// prebooking: parse the constraint, compute the legal instant, persist the
// intent, arm the trigger.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Timezone == "" {
		writeError(w, http.StatusBadRequest, "timezone required")
		return
	}

	classStart, degraded, err := resolveClassStart(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	avail, ok := availability.Compute(req.RejectionMessage, classStart, req.Timezone)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "rejection message does not encode an advance-booking constraint")
		return
	}

	pb := prebooking.PreBooking{
		UserID:      uid,
		VenueID:     req.VenueID,
		Intent:      prebooking.Intent{SlotID: req.SlotID, ClassDay: req.ClassDay, FamilyID: req.FamilyID},
		AvailableAt: avail.AvailableAt,
	}
	if err := pb.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.Prebookings.Create(r.Context(), pb)
	if err != nil {
		log.Printf("web: create prebooking: %v", err)
		writeError(w, http.StatusInternalServerError, "could not create prebooking")
		return
	}

	handle, err := s.Scheduler.Schedule(r.Context(), created)
	if err != nil {
		// The intent exists; the batch fallback will still pick it up.
		log.Printf("web: schedule trigger for %s: %v", created.ID, err)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          created.ID.String(),
		"availableAt": created.AvailableAt.Format(time.RFC3339),
		"daysAdvance": avail.DaysAdvance,
		"scheduleRef": handle,
		"degraded":    degraded,
	})
}

func resolveClassStart(req createRequest) (time.Time, bool, error) {
	if req.ClassStartsAt != "" {
		t, err := time.Parse(time.RFC3339, req.ClassStartsAt)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid classStartsAt (want RFC3339)")
		}
		return t, false, nil
	}
	t, err := availability.FallbackMidnight(req.ClassDay, req.Timezone)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("classStartsAt missing and classDay unusable")
	}
	return t, true, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	pbs, err := s.Prebookings.FindByUser(r.Context(), uid, r.URL.Query().Get("venue"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]map[string]any, 0, len(pbs))
	for _, pb := range pbs {
		item := map[string]any{
			"id":          pb.ID.String(),
			"venueId":     pb.VenueID,
			"slotId":      pb.Intent.SlotID,
			"classDay":    pb.Intent.ClassDay,
			"availableAt": pb.AvailableAt.Format(time.RFC3339),
			"status":      string(pb.Status),
			"createdAt":   pb.CreatedAt.Format(time.RFC3339),
		}
		if pb.Result != nil {
			item["result"] = map[string]any{
				"success":       pb.Result.Success,
				"bookingId":     pb.Result.BookingID,
				"message":       pb.Result.Message,
				"statusCode":    pb.Result.StatusCode,
				"alreadyBooked": pb.Result.AlreadyBooked,
			}
		}
		if pb.ErrorMessage != nil {
			item["errorMessage"] = *pb.ErrorMessage
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCancel deletes an intent and best-effort cancels its trigger. A
// wake-up that already fired will find the row gone and no-op.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	pb, err := s.Prebookings.FindByID(r.Context(), id)
	if err != nil || pb.UserID != uid {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if pb.ScheduleRef != nil && s.Trigger != nil {
		if err := s.Trigger.Cancel(r.Context(), *pb.ScheduleRef); err != nil {
			log.Printf("web: cancel trigger %s for %s: %v", *pb.ScheduleRef, id, err)
		}
	}

	if err := s.Prebookings.Delete(r.Context(), id, uid); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTrigger is the wake-up webhook. Business failures still answer 200
// so the at-least-once trigger service does not treat them as delivery
// failures and redeliver.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var p trigger.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := s.Executor.Handle(r.Context(), p)
	switch {
	case errors.Is(err, executor.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	case errors.Is(err, executor.ErrMalformed):
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	case err != nil:
		log.Printf("web: trigger handler: %v", err)
		writeError(w, http.StatusInternalServerError, "execution error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("web: listening on %s", addr)
	return srv.ListenAndServe()
}
