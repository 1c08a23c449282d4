// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package timecodec converts upstream millisecond epoch values into UTC instants.
package timecodec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedTimestamp is returned for negative, fractional or non-numeric values.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// FromMillis returns the UTC instant for ms milliseconds since the Unix epoch.
// The result has microsecond resolution: whole seconds are ms/1000 and the
// sub-second part is (ms%1000)*1000 microseconds.
func FromMillis(ms int64) (time.Time, error) {
	if ms < 0 {
		return time.Time{}, fmt.Errorf("%w: negative value %d", ErrMalformedTimestamp, ms)
	}
	sec := ms / 1000
	usec := (ms % 1000) * 1000
	return time.Unix(sec, usec*int64(time.Microsecond)).UTC(), nil
}

// ToMillis is the inverse of FromMillis, truncating below millisecond resolution.
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// Decode reads an optional JSON millisecond value. An absent or null value
// yields ok=false with no error.
func Decode(raw json.RawMessage) (t time.Time, ok bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return time.Time{}, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	num, isNum := v.(json.Number)
	if !isNum {
		return time.Time{}, false, fmt.Errorf("%w: not a number: %s", ErrMalformedTimestamp, trimmed)
	}

	ms, err := integral(num)
	if err != nil {
		return time.Time{}, false, err
	}
	t, err = FromMillis(ms)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func integral(num json.Number) (int64, error) {
	if ms, err := num.Int64(); err == nil {
		return ms, nil
	}
	f, err := num.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: non-integral value %s", ErrMalformedTimestamp, num)
	}
	return int64(f), nil
}
