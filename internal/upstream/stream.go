// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upstream

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/snipey/internal/telemetry"
)

// SinceParam is the resume query parameter of the open-events stream.
const SinceParam = "since_time"

// OpenStream opens the long-lived open-events stream. When hasSince is
// set the stream replays notifications newer than since (epoch ms).
// The caller owns the returned body; cancelling ctx unblocks reads on it.
func (c *Client) OpenStream(ctx context.Context, since int64, hasSince bool) (io.ReadCloser, error) {
	params := url.Values{}
	if hasSince {
		params.Set(SinceParam, strconv.FormatInt(since, 10))
	}
	rawURL, err := withQuery(c.streamURL, params)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer("snipey.upstream").Start(ctx, "snipey.upstream.stream.open",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Bool("stream.resume", hasSince))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)

	start := time.Now()
	resp, err := c.streamHTTP.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	recordAttempt(opStream, status, time.Since(start), err, false)

	if err != nil || status != http.StatusOK {
		failure := c.failure(opStream, resp, err)
		if resp != nil {
			_ = resp.Body.Close()
		}
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		return nil, failure
	}
	span.SetStatus(codes.Ok, "")
	return resp.Body, nil
}
