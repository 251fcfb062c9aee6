// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	sourceIDKey contextKey = "source_id"
)

// SetIdentity stores the authenticated user and device in the context.
func SetIdentity(ctx context.Context, userID, sourceID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// UserID retrieves the authenticated user from the context.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SourceID retrieves the originating device from the context.
func SourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok
}
