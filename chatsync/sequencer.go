// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Channel sequencer: one monotonically increasing pts counter per
// (channel_id, channel_type), stored as a row in chatsync.channel_pts.
// The atomic upsert-increment acquires the channel's row lock, so
// concurrent submissions to the same channel serialize while distinct
// channels proceed fully in parallel. Because the increment runs inside
// the submit transaction, a rollback releases the value without ever
// exposing it: the counter never skips from the server's perspective.

// rowQuerier is satisfied by both pgx.Tx and *pgxpool.Pool.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// nextPts assigns the next pts for ch within tx. The caller must append
// the corresponding commit in the same transaction or roll back.
func (s *SyncService) nextPts(ctx context.Context, tx pgx.Tx, ch Channel) (int64, error) {
	var pts int64
	err := tx.QueryRow(ctx, `
		INSERT INTO chatsync.channel_pts (channel_id, channel_type, pts)
		VALUES (@channel_id, @channel_type, 1)
		ON CONFLICT (channel_id, channel_type)
		DO UPDATE SET pts = channel_pts.pts + 1, updated_at = now()
		RETURNING pts`,
		pgx.NamedArgs{"channel_id": ch.ID, "channel_type": int16(ch.Type)},
	).Scan(&pts)
	if err != nil {
		return 0, fmt.Errorf("next pts for channel %d/%d: %w", ch.ID, ch.Type, err)
	}
	return pts, nil
}

// currentPts reads ch's counter without advancing it. Channels that never
// committed anything report zero.
func (s *SyncService) currentPts(ctx context.Context, q rowQuerier, ch Channel) (int64, error) {
	var pts int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT pts FROM chatsync.channel_pts
			 WHERE channel_id = @channel_id AND channel_type = @channel_type),
			0)`,
		pgx.NamedArgs{"channel_id": ch.ID, "channel_type": int16(ch.Type)},
	).Scan(&pts)
	if err != nil {
		return 0, fmt.Errorf("current pts for channel %d/%d: %w", ch.ID, ch.Type, err)
	}
	return pts, nil
}

// batchCurrentPts reads counters for several channels in one round trip.
// Unknown channels report zero, matching currentPts.
func (s *SyncService) batchCurrentPts(ctx context.Context, channels []Channel) ([]ChannelPtsInfo, error) {
	if len(channels) == 0 {
		return []ChannelPtsInfo{}, nil
	}

	ids := make([]int64, len(channels))
	types := make([]int16, len(channels))
	for i, ch := range channels {
		ids[i] = ch.ID
		types[i] = int16(ch.Type)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT req.channel_id, req.channel_type, COALESCE(c.pts, 0)
		FROM unnest(@ids::bigint[], @types::smallint[]) AS req(channel_id, channel_type)
		LEFT JOIN chatsync.channel_pts c
		  ON c.channel_id = req.channel_id
		 AND c.channel_type = req.channel_type`,
		pgx.NamedArgs{"ids": ids, "types": types},
	)
	if err != nil {
		return nil, fmt.Errorf("batch current pts: %w", err)
	}
	defer rows.Close()

	out := make([]ChannelPtsInfo, 0, len(channels))
	for rows.Next() {
		var info ChannelPtsInfo
		var chType int16
		if err := rows.Scan(&info.ChannelID, &chType, &info.CurrentPts); err != nil {
			return nil, fmt.Errorf("batch current pts scan: %w", err)
		}
		info.ChannelType = ChannelType(chType)
		out = append(out, info)
	}
	return out, rows.Err()
}
