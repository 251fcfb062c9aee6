// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error taxonomy. Lower layers (sequencer, ledger, commit log, entity
// store) report raw failures; only the coordinator maps them onto these
// sentinels. Clients retry ErrTransient with the identical submission
// (same local_message_id) so the ledger can deduplicate.
var (
	// ErrTransient marks a retriable infrastructure failure.
	ErrTransient = errors.New("transient sync failure")
	// ErrBadRequest marks a structurally invalid request (terminal).
	ErrBadRequest = errors.New("bad request")
	// ErrClosed is returned after the service has been shut down.
	ErrClosed = errors.New("sync service has been closed")
)

func isRetryablePGError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// classifyStoreError wraps a storage failure for the caller. Timeouts,
// dropped connections, serialization failures, and deadlocks become
// ErrTransient; everything else surfaces as-is for the operator to see.
func classifyStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isRetryablePGError(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
