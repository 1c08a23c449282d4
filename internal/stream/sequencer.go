// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import "sync"

// sequencer tracks notifications handed to workers and reports how far
// the cursor may advance: only across the contiguous prefix of completed
// sequence numbers, to the last mtime seen in that prefix.
type sequencer struct {
	mu       sync.Mutex
	issued   uint64
	next     uint64 // lowest sequence number not yet committed
	finished map[uint64]struct{}
	mtimes   map[uint64]int64
}

func newSequencer() *sequencer {
	return &sequencer{
		next:     1,
		finished: make(map[uint64]struct{}),
		mtimes:   make(map[uint64]int64),
	}
}

// issue assigns the next sequence number.
func (s *sequencer) issue(mtime int64, hasMtime bool) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	if hasMtime {
		s.mtimes[s.issued] = mtime
	}
	return s.issued
}

// complete marks seq done and returns the cursor the committed prefix now
// reaches, if it moved past a notification carrying an mtime.
func (s *sequencer) complete(seq uint64) (cursor int64, advanced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[seq] = struct{}{}
	for {
		if _, ok := s.finished[s.next]; !ok {
			return cursor, advanced
		}
		delete(s.finished, s.next)
		if ms, ok := s.mtimes[s.next]; ok {
			cursor, advanced = ms, true
			delete(s.mtimes, s.next)
		}
		s.next++
	}
}

// inFlight returns the number of issued but uncommitted notifications.
func (s *sequencer) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.issued - (s.next - 1))
}
