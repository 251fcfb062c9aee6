// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Retention maintenance. Run periodically by the operator; neither
// operation affects correctness for committed operations, because the
// commit log stays the source of truth for ordering.

// GCLedger deletes idempotency entries recorded before the cutoff and
// returns how many were removed. The retention window must comfortably
// exceed plausible client retry intervals; a client retrying after its
// entry is gone resubmits as a fresh operation.
func (s *SyncService) GCLedger(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention window must be positive", ErrBadRequest)
	}

	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM chatsync.submit_ledger
		WHERE recorded_at < @cutoff`,
		pgx.NamedArgs{"cutoff": cutoff},
	)
	if err != nil {
		return 0, classifyStoreError("ledger gc", err)
	}

	removed := tag.RowsAffected()
	if removed > 0 {
		s.logger.Info("Ledger GC removed entries", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// PruneEntityTombstones deletes tombstones of entityType with
// version <= throughVersion and raises the type's min_version watermark
// to match. Clients whose since_version predates the watermark are forced
// into a full resync on their next pull; live rows are never pruned.
func (s *SyncService) PruneEntityTombstones(ctx context.Context, entityType string, throughVersion int64) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	if err := validateEntityType(entityType); err != nil {
		return 0, err
	}
	if throughVersion <= 0 {
		return 0, fmt.Errorf("%w: through_version must be positive", ErrBadRequest)
	}

	var removed int64
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		// Watermark first: a concurrent sync either sees the old horizon
		// with tombstones intact, or the new horizon and resyncs.
		if _, err := tx.Exec(ctx, `
			INSERT INTO chatsync.entity_watermark (entity_type, min_version)
			VALUES (@entity_type, @min_version)
			ON CONFLICT (entity_type)
			DO UPDATE SET min_version = GREATEST(entity_watermark.min_version, EXCLUDED.min_version)`,
			pgx.NamedArgs{"entity_type": entityType, "min_version": throughVersion},
		); err != nil {
			return fmt.Errorf("raise watermark: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM chatsync.entity_state
			WHERE entity_type = @entity_type
			  AND deleted
			  AND version <= @through_version`,
			pgx.NamedArgs{"entity_type": entityType, "through_version": throughVersion},
		)
		if err != nil {
			return fmt.Errorf("prune tombstones: %w", err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, classifyStoreError("prune tombstones", err)
	}

	if removed > 0 {
		s.logger.Info("Pruned entity tombstones",
			"entity_type", entityType, "through_version", throughVersion, "removed", removed)
	}
	return removed, nil
}
