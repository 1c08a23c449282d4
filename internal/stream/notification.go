// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ManuGH/snipey/internal/domain"
	"github.com/ManuGH/snipey/internal/timecodec"
)

// ErrMalformedPayload is returned for a stream line that is not a usable
// notification.
var ErrMalformedPayload = errors.New("stream: malformed payload")

type wireNotification struct {
	Group *struct {
		ID domain.GroupID `json:"id"`
	} `json:"group"`
	EventURL *string         `json:"event_url"`
	Mtime    json.RawMessage `json:"mtime"`
}

// DecodeNotification decodes one stream line. group.id and event_url are
// required; a missing or invalid mtime leaves HasMtime unset.
func DecodeNotification(line []byte) (domain.Notification, error) {
	var w wireNotification
	if err := json.Unmarshal(line, &w); err != nil {
		return domain.Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if w.Group == nil || w.Group.ID == "" {
		return domain.Notification{}, fmt.Errorf("%w: missing group.id", ErrMalformedPayload)
	}
	if w.EventURL == nil {
		return domain.Notification{}, fmt.Errorf("%w: missing event_url", ErrMalformedPayload)
	}

	n := domain.Notification{GroupID: w.Group.ID, EventURL: *w.EventURL}
	if t, ok, err := timecodec.Decode(w.Mtime); err == nil && ok {
		n.MtimeMS = timecodec.ToMillis(t)
		n.HasMtime = true
	}
	return n, nil
}
