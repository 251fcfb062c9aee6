// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Idempotency ledger: maps (user_id, source_id, local_message_id) to the
// decision already issued for that submission, so network retries never
// get assigned a second pts. Insert-if-absent runs as a single
// ON CONFLICT DO NOTHING statement; a read-then-write pattern here would
// reintroduce exactly the race the ledger exists to prevent.

// lookupLedger returns the recorded entry for the key, or nil on a miss.
func (s *SyncService) lookupLedger(ctx context.Context, q rowQuerier, userID, sourceID string, localMessageID int64) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := q.QueryRow(ctx, `
		SELECT user_id, source_id, local_message_id, decision,
		       COALESCE(reason, ''), pts, server_msg_id, recorded_at
		FROM chatsync.submit_ledger
		WHERE user_id = @user_id
		  AND source_id = @source_id
		  AND local_message_id = @local_message_id`,
		pgx.NamedArgs{
			"user_id":          userID,
			"source_id":        sourceID,
			"local_message_id": localMessageID,
		},
	).Scan(&entry.UserID, &entry.SourceID, &entry.LocalMessageID,
		&entry.DecisionKind, &entry.Reason, &entry.Pts, &entry.ServerMsgID,
		&entry.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}
	return &entry, nil
}

// recordLedger inserts the entry if the key is absent. Returns false when
// a concurrent submission with the same key won the race; the caller must
// then discard its own attempt and surface the winner's entry.
func (s *SyncService) recordLedger(ctx context.Context, tx pgx.Tx, entry *LedgerEntry) (bool, error) {
	var reason *string
	if entry.Reason != "" {
		reason = &entry.Reason
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO chatsync.submit_ledger
			(user_id, source_id, local_message_id, decision, reason, pts, server_msg_id)
		VALUES (@user_id, @source_id, @local_message_id, @decision, @reason, @pts, @server_msg_id)
		ON CONFLICT (user_id, source_id, local_message_id) DO NOTHING`,
		pgx.NamedArgs{
			"user_id":          entry.UserID,
			"source_id":        entry.SourceID,
			"local_message_id": entry.LocalMessageID,
			"decision":         entry.DecisionKind,
			"reason":           reason,
			"pts":              entry.Pts,
			"server_msg_id":    entry.ServerMsgID,
		},
	)
	if err != nil {
		return false, fmt.Errorf("ledger record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
