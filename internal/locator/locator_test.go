// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package locator

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventID(t *testing.T) {
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "http://x/g/events/987/", want: "987"},
		{ref: "http://www.meetup.com/golang-nyc/events/221070373/", want: "221070373"},
		{ref: "/g/events/987/", want: "987"},
		{ref: "g/events/987/?ref=stream#top", want: "987"},
		{ref: "987/", want: "987"},
		{ref: "/events/987", want: "events"},
		{ref: "", wantErr: true},
		{ref: "   ", wantErr: true},
		{ref: "987", wantErr: true},
		{ref: "http://x/", wantErr: true},
		{ref: "http://x", wantErr: true},
		{ref: "http://x/g//", wantErr: true},
		{ref: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := EventID(tt.ref)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnparsableReference)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventIDProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	segment := gen.Identifier()

	properties.Property("well-formed references yield the second-to-last segment", prop.ForAll(
		func(prefix []string, id string) bool {
			parts := append(append([]string{}, prefix...), id, "")
			got, err := EventID("http://host/" + strings.Join(parts, "/"))
			return err == nil && got == id
		},
		gen.SliceOfN(3, segment),
		segment,
	))

	properties.Property("single segment references are rejected", prop.ForAll(
		func(id string) bool {
			_, err := EventID("http://host/" + id)
			return err != nil
		},
		segment,
	))

	properties.TestingRun(t)
}
