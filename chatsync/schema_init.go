// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the required sync tables if they don't exist.
func (s *SyncService) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

// initializeSchemaInTx creates the required sync tables within an
// existing transaction.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema for all sync state
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS chatsync`,

		// 1) Per-channel pts counters. The row lock on the upsert-increment
		// is the per-channel serialization point.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS chatsync.channel_pts (
			channel_id   BIGINT      NOT NULL,
			channel_type SMALLINT    NOT NULL CHECK (channel_type IN (1, 2)),
			pts          BIGINT      NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (channel_id, channel_type)
		)`,

		// 2) Append-only commit log, the authoritative order within a
		// channel. The unique constraint doubles as the range-scan index.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS chatsync.commit_log (
			server_msg_id    BIGSERIAL   PRIMARY KEY,
			channel_id       BIGINT      NOT NULL,
			channel_type     SMALLINT    NOT NULL CHECK (channel_type IN (1, 2)),
			pts              BIGINT      NOT NULL,
			local_message_id BIGINT,
			command_type     TEXT        NOT NULL,
			content          JSON        NOT NULL,
			sender_id        TEXT        NOT NULL,
			source_id        TEXT        NOT NULL,
			server_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (channel_id, channel_type, pts)
		)`,

		// 3) Idempotency ledger. Rejected decisions never carry a pts.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS chatsync.submit_ledger (
			user_id          TEXT        NOT NULL,
			source_id        TEXT        NOT NULL,
			local_message_id BIGINT      NOT NULL,
			decision         TEXT        NOT NULL CHECK (decision IN ('accepted','transformed','rejected')),
			reason           TEXT,
			pts              BIGINT,
			server_msg_id    BIGINT,
			recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, source_id, local_message_id),
			CHECK ((decision = 'rejected') = (pts IS NULL)),
			CHECK ((pts IS NULL) = (server_msg_id IS NULL))
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS submit_ledger_recorded_at_idx
			ON chatsync.submit_ledger (recorded_at)`,

		// 4) Per-type entity version counters
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS chatsync.entity_version_seq (
			entity_type TEXT   PRIMARY KEY,
			version     BIGINT NOT NULL DEFAULT 0
		)`,

		// 5) Entity snapshots with tombstones
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS chatsync.entity_state (
			entity_type TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			scope       TEXT,
			version     BIGINT      NOT NULL,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			payload     JSON,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (entity_type, entity_id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS entity_state_version_idx
			ON chatsync.entity_state (entity_type, version)`,

		// 6) Tombstone pruning watermark; cursors below min_version are
		// forced into a full resync.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS chatsync.entity_watermark (
			entity_type TEXT   PRIMARY KEY,
			min_version BIGINT NOT NULL DEFAULT 0
		)`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
