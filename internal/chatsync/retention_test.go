// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/privchat/syncd/chatsync"
)

// Ledger GC trims old idempotency entries without touching the commit
// log. A client retrying after its entry is gone resubmits as a fresh
// operation and draws a new pts; the original commit stays in history.
func TestLedgerGC(t *testing.T) {
	h := newSyncHarness(t)
	ch := h.newChannel(chatsync.ChannelGroup)
	localID := nextID()

	first := h.submit(textSubmit(ch, localID, 0, "old"))
	require.Equal(t, int64(1), *first.Pts)

	// Age the entry past the retention window.
	tag, err := h.pool.Exec(h.ctx, `
		UPDATE chatsync.submit_ledger
		SET recorded_at = recorded_at - interval '48 hours'
		WHERE user_id = @user_id AND source_id = @source_id AND local_message_id = @local_message_id`,
		pgx.NamedArgs{"user_id": h.userID, "source_id": h.deviceID, "local_message_id": localID},
	)
	require.NoError(t, err)
	require.Equal(t, int64(1), tag.RowsAffected())

	removed, err := h.service.GCLedger(h.ctx, 24*time.Hour)
	require.NoError(t, err)
	require.GreaterOrEqual(t, removed, int64(1))

	// The retry is no longer recognized as a duplicate.
	retry := h.submit(textSubmit(ch, localID, 1, "old"))
	require.Equal(t, int64(2), *retry.Pts)

	diff := h.difference(ch, 0, 10)
	require.Len(t, diff.Commits, 2)
}

func TestLedgerGCKeepsRecentEntries(t *testing.T) {
	h := newSyncHarness(t)
	ch := h.newChannel(chatsync.ChannelDirect)
	localID := nextID()

	first := h.submit(textSubmit(ch, localID, 0, "fresh"))

	_, err := h.service.GCLedger(h.ctx, 24*time.Hour)
	require.NoError(t, err)

	// Still deduplicated.
	replay := h.submit(textSubmit(ch, localID, 0, "fresh"))
	require.Equal(t, *first.Pts, *replay.Pts)
	require.Equal(t, *first.ServerMsgID, *replay.ServerMsgID)

	_, err = h.service.GCLedger(h.ctx, 0)
	require.ErrorIs(t, err, chatsync.ErrBadRequest)
}
