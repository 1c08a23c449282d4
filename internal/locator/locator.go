// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package locator extracts event identifiers from upstream event references.
package locator

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnparsableReference is returned when a reference does not carry an event id.
var ErrUnparsableReference = errors.New("unparsable event reference")

// EventID returns the event identifier embedded in ref.
//
// A reference is a URL or bare path whose second-to-last path segment is the
// identifier, so "http://host/g/events/987/" yields "987". Query strings and
// fragments are ignored. Fewer than two segments, or an empty identifier
// segment, is rejected with ErrUnparsableReference.
func EventID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrUnparsableReference)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparsableReference, err)
	}

	segments := Segments(u.Path)
	if len(segments) < 2 {
		return "", fmt.Errorf("%w: %q has %d path segments", ErrUnparsableReference, ref, len(segments))
	}

	id := segments[len(segments)-2]
	if id == "" {
		return "", fmt.Errorf("%w: %q has an empty identifier segment", ErrUnparsableReference, ref)
	}
	return id, nil
}

// Segments splits a path on "/" after dropping a single leading slash.
// A trailing slash produces a final empty segment.
func Segments(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
