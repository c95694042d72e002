// Package trigger schedules the one-shot wake-up that starts execution of a
// prebooking. Delivery is at-least-once; the claim protocol makes duplicate
// wake-ups harmless.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Payload is what the scheduling service posts back to the webhook.
type Payload struct {
	ID            string `json:"id"`
	ExecuteAtMs   int64  `json:"executeAtMs"`
	SecurityToken string `json:"securityToken"`
}

type Trigger interface {
	// ScheduleAt arranges delivery of payload at or after the given instant
	// and returns a handle usable for cancellation.
	ScheduleAt(ctx context.Context, at time.Time, p Payload) (string, error)
	Cancel(ctx context.Context, handle string) error
}

// HTTP talks to an external one-shot message scheduler.
type HTTP struct {
	hc          *http.Client
	base        string
	authToken   string
	callbackURL string
}

func NewHTTP(baseURL, authToken, callbackURL string) *HTTP {
	return &HTTP{
		hc:          &http.Client{Timeout: 10 * time.Second},
		base:        strings.TrimRight(baseURL, "/"),
		authToken:   authToken,
		callbackURL: callbackURL,
	}
}

func (h *HTTP) ScheduleAt(ctx context.Context, at time.Time, p Payload) (string, error) {
	body, err := json.Marshal(map[string]any{
		"notBefore": at.UTC().Format(time.RFC3339Nano),
		"url":       h.callbackURL,
		"payload":   p,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+"/v1/schedules", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("authorization", "Bearer "+h.authToken)

	res, err := h.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("trigger: schedule: %w", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return "", fmt.Errorf("trigger: schedule status=%d: %s", res.StatusCode, string(b))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("trigger: schedule response missing id")
	}
	return out.ID, nil
}

func (h *HTTP) Cancel(ctx context.Context, handle string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.base+"/v1/schedules/"+handle, nil)
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "Bearer "+h.authToken)

	res, err := h.hc.Do(req)
	if err != nil {
		return fmt.Errorf("trigger: cancel: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("trigger: cancel status=%d", res.StatusCode)
	}
	return nil
}
