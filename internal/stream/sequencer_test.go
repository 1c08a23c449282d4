// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestSequencerAdvancesOverContiguousPrefix(t *testing.T) {
	s := newSequencer()
	a := s.issue(100, true)
	b := s.issue(0, false)
	c := s.issue(300, true)
	assert.Equal(t, 3, s.inFlight())

	_, ok := s.complete(c)
	assert.False(t, ok, "gap at the head blocks the cursor")

	_, ok = s.complete(b)
	assert.False(t, ok)

	ms, ok := s.complete(a)
	assert.True(t, ok)
	assert.Equal(t, int64(300), ms)
	assert.Equal(t, 0, s.inFlight())
}

func TestSequencerWithoutMtimeDoesNotAdvance(t *testing.T) {
	s := newSequencer()
	_, ok := s.complete(s.issue(0, false))
	assert.False(t, ok)
}

func TestSequencerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("completing in any order commits the last mtime once all are done", prop.ForAll(
		func(mtimes []int64, seed int64) bool {
			s := newSequencer()
			seqs := make([]uint64, len(mtimes))
			for i, ms := range mtimes {
				seqs[i] = s.issue(ms, true)
			}
			order := rand.New(rand.NewSource(seed)).Perm(len(seqs))

			var last int64
			var advanced bool
			for _, i := range order {
				if ms, ok := s.complete(seqs[i]); ok {
					last, advanced = ms, true
				}
			}
			return advanced && last == mtimes[len(mtimes)-1] && s.inFlight() == 0
		},
		gen.SliceOfN(8, gen.Int64Range(1, 1<<40)).SuchThat(func(v []int64) bool { return len(v) > 0 }),
		gen.Int64(),
	))

	properties.Property("the cursor never moves past an incomplete notification", prop.ForAll(
		func(n int, hole int) bool {
			hole %= n
			s := newSequencer()
			seqs := make([]uint64, n)
			for i := range seqs {
				seqs[i] = s.issue(int64(i+1), true)
			}
			var last int64
			for i, seq := range seqs {
				if i == hole {
					continue
				}
				if ms, ok := s.complete(seq); ok {
					last = ms
				}
			}
			return last < int64(hole+1)
		},
		gen.IntRange(1, 32),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
