// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared across the pipeline.
const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	UpstreamOperationKey = "upstream.operation"
	UpstreamAttemptKey   = "upstream.attempt"

	NotificationGroupKey = "notification.group_id"
	NotificationMtimeKey = "notification.mtime_ms"

	EventIDKey      = "event.id"
	EventMeetupKey  = "event.meetup_id"
	EventOpenAtKey  = "event.open_at"
	SubscribersKey  = "event.subscribers"
	DispatchTypeKey = "dispatch.task_type"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// NotificationAttributes describes one stream line being routed. A zero
// mtime is omitted.
func NotificationAttributes(groupID string, mtimeMS int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(NotificationGroupKey, groupID)}
	if mtimeMS > 0 {
		attrs = append(attrs, attribute.Int64(NotificationMtimeKey, mtimeMS))
	}
	return attrs
}

// EventAttributes describes a registered event. openAt is empty for
// immediately open events.
func EventAttributes(id int64, meetupID, openAt string, subscribers int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int64(EventIDKey, id),
		attribute.String(EventMeetupKey, meetupID),
		attribute.Int(SubscribersKey, subscribers),
	}
	if openAt != "" {
		attrs = append(attrs, attribute.String(EventOpenAtKey, openAt))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
