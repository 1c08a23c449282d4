// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package subscription resolves upstream groups to their local subscribers.
// Subscriptions are managed elsewhere; this package only reads them.
package subscription

import (
	"context"

	"github.com/ManuGH/snipey/internal/domain"
)

// Index resolves a group to its current subscriber set. Implementations
// answer from current state on every call; callers must not cache results
// across notifications.
type Index interface {
	ResolveGroup(ctx context.Context, id domain.GroupID) (domain.Group, bool, error)
}

// GroupWriter receives groups loaded from a subscription source.
type GroupWriter interface {
	PutGroup(ctx context.Context, g domain.Group) error
	ListGroupIDs(ctx context.Context) ([]domain.GroupID, error)
	DeleteGroup(ctx context.Context, id domain.GroupID) error
}

// IndexFunc adapts a function to Index.
type IndexFunc func(ctx context.Context, id domain.GroupID) (domain.Group, bool, error)

// ResolveGroup calls f.
func (f IndexFunc) ResolveGroup(ctx context.Context, id domain.GroupID) (domain.Group, bool, error) {
	return f(ctx, id)
}
