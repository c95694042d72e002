// Package upstream talks to the class-scheduling platform. Responses are
// folded into tagged outcomes so callers branch on a kind, never on the
// shape of an error value.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/prebook/internal/prebooking"
	"github.com/example/prebook/internal/session"
)

type Kind string

const (
	KindAuth      Kind = "auth"      // credentials rejected; terminal for the intent
	KindBusiness  Kind = "business"  // platform said no (full, too early, ineligible)
	KindTransient Kind = "transient" // network/5xx; retryable in principle
)

// Outcome is the classified result of a booking submission.
type Outcome struct {
	StatusCode    int
	State         string
	BookingID     string
	Message       string
	Kind          Kind
	AlreadyBooked bool
}

// Success reports whether the attempt ended with a held slot. The platform
// sometimes answers a non-booked state while still returning a booking id
// (seen when the user books the same slot manually moments earlier), and
// that counts as success.
func (o Outcome) Success() bool {
	return o.State == "booked" || o.BookingID != ""
}

type Client struct {
	hc   *http.Client
	base string
}

func New(baseURL string) *Client {
	return &Client{
		hc:   &http.Client{Timeout: 5 * time.Second},
		base: strings.TrimRight(baseURL, "/"),
	}
}

type bookResponse struct {
	State     string `json:"bookState"`
	BookingID string `json:"id"`
	Message   string `json:"errorMssg"`
}

// Submit fires the booking intent with the given credential bundle.
// A returned error is always transport-level; platform rejections come back
// as an Outcome.
func (c *Client) Submit(ctx context.Context, intent prebooking.Intent, creds session.Bundle, venueID string) (Outcome, error) {
	form := url.Values{}
	form.Set("id", intent.SlotID)
	form.Set("day", intent.ClassDay)
	form.Set("familyId", intent.FamilyID)
	form.Set("box", venueID)

	status, body, err := c.do(ctx, http.MethodPost, "/api/book", creds, []byte(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return Outcome{}, fmt.Errorf("upstream: submit: %w", err)
	}

	var br bookResponse
	_ = json.Unmarshal(body, &br)
	return classify(status, br), nil
}

func classify(status int, br bookResponse) Outcome {
	o := Outcome{
		StatusCode: status,
		State:      br.State,
		BookingID:  br.BookingID,
		Message:    br.Message,
	}
	switch {
	case o.State == "booked":
		o.Kind = KindBusiness // success path, kind unused
	case o.BookingID != "":
		// Non-success state but a booking id exists: the slot is held.
		o.AlreadyBooked = true
		o.Kind = KindBusiness
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		o.Kind = KindAuth
	case status >= 500:
		o.Kind = KindTransient
	default:
		o.Kind = KindBusiness
	}
	return o
}

// Cancel releases an existing booking. Best effort; callers only care
// about the status code.
func (c *Client) Cancel(ctx context.Context, bookingID string, creds session.Bundle, venueID string) (int, error) {
	form := url.Values{}
	form.Set("id", bookingID)
	form.Set("box", venueID)

	status, _, err := c.do(ctx, http.MethodPost, "/api/cancelBook", creds, []byte(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return 0, fmt.Errorf("upstream: cancel: %w", err)
	}
	return status, nil
}

type refreshResponse struct {
	Token     string `json:"token"`
	Cookies   string `json:"cookies"`
	LoggedOut bool   `json:"loggedOut"`
	Message   string `json:"message"`
}

// Refresh rotates a credential bundle. Implements session.Refresher.
func (c *Client) Refresh(ctx context.Context, b session.Bundle) (session.RefreshResult, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/api/refresh", b, nil, "")
	if err != nil {
		return session.RefreshResult{}, fmt.Errorf("upstream: refresh: %w", err)
	}

	var rr refreshResponse
	_ = json.Unmarshal(body, &rr)

	if rr.LoggedOut || status == http.StatusUnauthorized {
		return session.RefreshResult{LoggedOut: true, Message: rr.Message}, nil
	}
	if status >= 400 || rr.Token == "" {
		return session.RefreshResult{Success: false, Message: fmt.Sprintf("refresh status=%d %s", status, rr.Message)}, nil
	}

	nb := session.Bundle{Bearer: rr.Token, Cookies: rr.Cookies}
	if nb.Cookies == "" {
		nb.Cookies = b.Cookies
	}
	return session.RefreshResult{Success: true, Bundle: &nb}, nil
}

func (c *Client) do(ctx context.Context, method, path string, creds session.Bundle, body []byte, contentType string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Add("user-agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36")
	req.Header.Add("cache-control", "no-cache")
	if contentType != "" {
		req.Header.Add("content-type", contentType)
	}
	if creds.Bearer != "" {
		req.Header.Add("authorization", "Bearer "+creds.Bearer)
	}
	if creds.Cookies != "" {
		req.Header.Add("cookie", creds.Cookies)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
