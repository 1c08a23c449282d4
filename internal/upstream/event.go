// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ManuGH/snipey/internal/resilience"
)

// EventDetail is the subset of the event-detail response the pipeline needs.
type EventDetail struct {
	ID   string
	Name string

	// OpenTime is the raw rsvp_rules.open_time value; nil when absent.
	OpenTime json.RawMessage
}

type eventPayload struct {
	ID        json.RawMessage `json:"id"`
	Name      *string         `json:"name"`
	RSVPRules *struct {
		OpenTime json.RawMessage `json:"open_time"`
	} `json:"rsvp_rules"`
}

// NewEventBreaker returns a breaker for FetchEvent that only counts
// failures worth retrying. Not-found and private events never trip it.
func NewEventBreaker(threshold int, reset time.Duration, opts ...resilience.Option) *resilience.CircuitBreaker {
	opts = append([]resilience.Option{resilience.WithFailureFilter(IsRetryable)}, opts...)
	return resilience.NewCircuitBreaker("upstream_event", threshold, reset, opts...)
}

// FetchEvent fetches name and RSVP rules of one event.
func (c *Client) FetchEvent(ctx context.Context, eventID string) (EventDetail, error) {
	params := url.Values{}
	params.Set("fields", "rsvp_rules")
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
	rawURL, err := withQuery(c.baseURL+"event/"+url.PathEscape(eventID), params)
	if err != nil {
		return EventDetail{}, err
	}

	var detail EventDetail
	call := func() error {
		resp, err := c.doGet(ctx, opEvent, rawURL)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		var p eventPayload
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return &APIError{Sentinel: ErrBadResponse, Operation: opEvent, Status: resp.StatusCode, Err: err}
		}
		if p.Name == nil {
			return &APIError{Sentinel: ErrBadResponse, Operation: opEvent, Status: resp.StatusCode, Body: "missing name"}
		}
		detail = EventDetail{ID: rawID(p.ID), Name: *p.Name}
		if p.RSVPRules != nil && len(p.RSVPRules.OpenTime) > 0 {
			detail.OpenTime = p.RSVPRules.OpenTime
		}
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return EventDetail{}, fmt.Errorf("fetch event %s: %w", eventID, err)
	}
	return detail, nil
}

// rawID renders a string or numeric JSON id.
func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}
