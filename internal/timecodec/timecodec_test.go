// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package timecodec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMillisKnownInstant(t *testing.T) {
	got, err := FromMillis(1700000000500)
	require.NoError(t, err)

	want := time.Date(2023, 11, 14, 22, 13, 20, 500000000, time.UTC)
	assert.True(t, want.Equal(got), "got %s", got)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, "2023-11-14T22:13:20.500000Z", got.Format("2006-01-02T15:04:05.000000Z"))
}

func TestFromMillisNegative(t *testing.T) {
	_, err := FromMillis(-1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedTimestamp))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantOK  bool
		wantMS  int64
		wantErr bool
	}{
		{name: "absent", raw: "", wantOK: false},
		{name: "null", raw: "null", wantOK: false},
		{name: "integer", raw: "1700000000500", wantOK: true, wantMS: 1700000000500},
		{name: "zero", raw: "0", wantOK: true, wantMS: 0},
		{name: "exponent integral", raw: "1.7e12", wantOK: true, wantMS: 1700000000000},
		{name: "fractional", raw: "1700000000500.25", wantErr: true},
		{name: "negative", raw: "-5", wantErr: true},
		{name: "string", raw: `"1700000000500"`, wantErr: true},
		{name: "object", raw: `{"ms":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Decode(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedTimestamp)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantMS, ToMillis(got))
			}
		})
	}
}

func TestFromMillisProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("sub-second microseconds equal (m mod 1000) * 1000", prop.ForAll(
		func(m int64) bool {
			got, err := FromMillis(m)
			if err != nil {
				return false
			}
			return int64(got.Nanosecond()/1000) == (m%1000)*1000
		},
		gen.Int64Range(0, 1<<42),
	))

	properties.Property("whole seconds equal m div 1000", prop.ForAll(
		func(m int64) bool {
			got, err := FromMillis(m)
			if err != nil {
				return false
			}
			return got.Unix() == m/1000 && got.Location() == time.UTC
		},
		gen.Int64Range(0, 1<<42),
	))

	properties.Property("negative values are rejected", prop.ForAll(
		func(m int64) bool {
			_, err := FromMillis(m)
			return errors.Is(err, ErrMalformedTimestamp)
		},
		gen.Int64Range(-(1<<42), -1),
	))

	properties.TestingRun(t)
}
