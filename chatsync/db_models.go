// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"encoding/json"
	"time"
)

// Database entity models for the chatsync PostgreSQL schema.

// CommitRecord represents a row in chatsync.commit_log. Rows are written
// exactly once, in the same transaction that advanced the channel's pts,
// and are immutable afterwards.
type CommitRecord struct {
	ServerMsgID     int64           `db:"server_msg_id"`     // BIGSERIAL PRIMARY KEY
	ChannelID       int64           `db:"channel_id"`        // Channel identifier
	ChannelType     ChannelType     `db:"channel_type"`      // 1=direct, 2=group
	Pts             int64           `db:"pts"`               // Per-channel sequence, unique within channel
	LocalMessageID  *int64          `db:"local_message_id"`  // Submitter's id, for echo-back
	CommandType     string          `db:"command_type"`      // Operation type tag
	Content         json.RawMessage `db:"content"`           // Opaque payload as committed
	SenderID        string          `db:"sender_id"`         // Authenticated user (JWT sub)
	SourceID        string          `db:"source_id"`         // Originating device (JWT did)
	ServerTimestamp time.Time       `db:"server_timestamp"`  // Assignment time
}

// LedgerEntry represents a row in chatsync.submit_ledger: the recorded
// decision for one (user, device, local_message_id) submission. Replays
// of the same key return this entry verbatim.
type LedgerEntry struct {
	UserID         string    `db:"user_id"`
	SourceID       string    `db:"source_id"`
	LocalMessageID int64     `db:"local_message_id"`
	DecisionKind   string    `db:"decision"`      // accepted, transformed, rejected
	Reason         string    `db:"reason"`        // Empty for accepted
	Pts            *int64    `db:"pts"`           // Set iff committable
	ServerMsgID    *int64    `db:"server_msg_id"` // Set iff committable
	RecordedAt     time.Time `db:"recorded_at"`
}

// Decision rebuilds the closed-union decision from the stored columns.
func (e *LedgerEntry) Decision() (Decision, error) {
	return decisionFromStored(e.DecisionKind, e.Reason)
}

// EntityRecord represents a row in chatsync.entity_state: the current
// snapshot of one entity plus its per-type version and tombstone flag.
type EntityRecord struct {
	EntityType string          `db:"entity_type"`
	EntityID   string          `db:"entity_id"`
	Scope      *string         `db:"scope"`
	Version    int64           `db:"version"`
	Deleted    bool            `db:"deleted"`
	Payload    json.RawMessage `db:"payload"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// syncItem projects the row onto its wire form. Scope and timestamps are
// server-side bookkeeping and never leave the store.
func (r *EntityRecord) syncItem() SyncEntityItem {
	return SyncEntityItem{
		EntityID: r.EntityID,
		Version:  r.Version,
		Deleted:  r.Deleted,
		Payload:  r.Payload,
	}
}
