// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Commit log: append-only, per-channel ordered store of committed
// operations, queryable by pts range. Insertion order equals pts order
// because the append shares a transaction with the pts assignment that
// produced it.

// appendCommit inserts the commit within tx and returns the server
// message id assigned by the log.
func (s *SyncService) appendCommit(ctx context.Context, tx pgx.Tx, rec *CommitRecord) (int64, error) {
	var serverMsgID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO chatsync.commit_log
			(channel_id, channel_type, pts, local_message_id, command_type,
			 content, sender_id, source_id, server_timestamp)
		VALUES (@channel_id, @channel_type, @pts, @local_message_id, @command_type,
			 @content, @sender_id, @source_id, @server_timestamp)
		RETURNING server_msg_id`,
		pgx.NamedArgs{
			"channel_id":       rec.ChannelID,
			"channel_type":     int16(rec.ChannelType),
			"pts":              rec.Pts,
			"local_message_id": rec.LocalMessageID,
			"command_type":     rec.CommandType,
			"content":          rec.Content,
			"sender_id":        rec.SenderID,
			"source_id":        rec.SourceID,
			"server_timestamp": rec.ServerTimestamp,
		},
	).Scan(&serverMsgID)
	if err != nil {
		return 0, fmt.Errorf("append commit channel=%d/%d pts=%d: %w",
			rec.ChannelID, rec.ChannelType, rec.Pts, err)
	}
	return serverMsgID, nil
}

// rangeCommits returns up to limit commits with pts in (afterPts, untilPts],
// ascending. hasMore reports whether commits beyond the page remain inside
// the window. untilPts freezes the window so repeated pages stay consistent
// while writers keep committing.
func (s *SyncService) rangeCommits(ctx context.Context, ch Channel, afterPts, untilPts int64, limit int) ([]ServerCommit, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pts, server_msg_id, local_message_id, channel_id, channel_type,
		       command_type, content, sender_id,
		       (extract(epoch from server_timestamp) * 1000)::bigint
		FROM chatsync.commit_log
		WHERE channel_id = @channel_id
		  AND channel_type = @channel_type
		  AND pts > @after_pts
		  AND pts <= @until_pts
		ORDER BY pts
		LIMIT @limit`,
		pgx.NamedArgs{
			"channel_id":   ch.ID,
			"channel_type": int16(ch.Type),
			"after_pts":    afterPts,
			"until_pts":    untilPts,
			"limit":        limit + 1, // one extra row decides has_more
		},
	)
	if err != nil {
		return nil, false, fmt.Errorf("range commits: %w", err)
	}
	defer rows.Close()

	commits := make([]ServerCommit, 0, limit)
	for rows.Next() {
		var c ServerCommit
		var chType int16
		if err := rows.Scan(&c.Pts, &c.ServerMsgID, &c.LocalMessageID,
			&c.ChannelID, &chType, &c.MessageType, &c.Content,
			&c.SenderID, &c.ServerTimestamp); err != nil {
			return nil, false, fmt.Errorf("range commits scan: %w", err)
		}
		c.ChannelType = ChannelType(chType)
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("range commits rows: %w", err)
	}

	hasMore := len(commits) > limit
	if hasMore {
		commits = commits[:limit]
	}
	return commits, hasMore, nil
}
