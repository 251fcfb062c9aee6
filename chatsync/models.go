// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"encoding/json"
)

// Wire models for the sync RPC surface. Field names match the protocol
// the clients already speak: local_message_id for idempotent correlation,
// pts for per-channel authoritative ordering, has_gap for catch-up hints.

// Channel identifies one pts stream.
type Channel struct {
	ID   int64       `json:"channel_id"`
	Type ChannelType `json:"channel_type"`
}

// SubmitRequest is a client's proposed operation on a channel.
// LocalMessageID must be unique per originating device (Snowflake-style);
// it is the idempotency key together with the authenticated identity.
type SubmitRequest struct {
	LocalMessageID  int64           `json:"local_message_id"`
	ChannelID       int64           `json:"channel_id"`
	ChannelType     ChannelType     `json:"channel_type"`
	LastPts         int64           `json:"last_pts"`
	CommandType     string          `json:"command_type"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp int64           `json:"client_timestamp"`
	DeviceID        string          `json:"device_id,omitempty"`
}

// Channel returns the channel the submission targets.
func (r *SubmitRequest) Channel() Channel {
	return Channel{ID: r.ChannelID, Type: r.ChannelType}
}

// SubmitResponse reports the server's decision for one submission.
// Pts and ServerMsgID are present iff the decision is committable.
type SubmitResponse struct {
	Decision        Decision `json:"decision"`
	Pts             *int64   `json:"pts,omitempty"`
	ServerMsgID     *int64   `json:"server_msg_id,omitempty"`
	ServerTimestamp int64    `json:"server_timestamp"`
	LocalMessageID  int64    `json:"local_message_id"`
	HasGap          bool     `json:"has_gap"`
	CurrentPts      int64    `json:"current_pts"`
}

// ServerCommit is the authoritative, immutable record of one accepted or
// transformed operation. Commits are ordered by pts within a channel.
type ServerCommit struct {
	Pts             int64           `json:"pts"`
	ServerMsgID     int64           `json:"server_msg_id"`
	LocalMessageID  *int64          `json:"local_message_id,omitempty"`
	ChannelID       int64           `json:"channel_id"`
	ChannelType     ChannelType     `json:"channel_type"`
	MessageType     string          `json:"message_type"`
	Content         json.RawMessage `json:"content"`
	ServerTimestamp int64           `json:"server_timestamp"`
	SenderID        string          `json:"sender_id"`
	SenderInfo      *SenderInfo     `json:"sender_info,omitempty"`
}

// SenderInfo is a denormalized sender summary attached to commits so
// receiving clients can render without a separate user lookup.
type SenderInfo struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// GetDifferenceRequest asks for commits the client is missing.
type GetDifferenceRequest struct {
	ChannelID   int64       `json:"channel_id"`
	ChannelType ChannelType `json:"channel_type"`
	LastPts     int64       `json:"last_pts"`
	Limit       int         `json:"limit,omitempty"`
}

// GetDifferenceResponse carries one ascending page of commits. When
// HasMore is set the client repeats the call with LastPts advanced to the
// last returned commit's pts.
type GetDifferenceResponse struct {
	Commits    []ServerCommit `json:"commits"`
	CurrentPts int64          `json:"current_pts"`
	HasMore    bool           `json:"has_more"`
}

// GetChannelPtsRequest reads one channel's current pts, side-effect free.
type GetChannelPtsRequest struct {
	ChannelID   int64       `json:"channel_id"`
	ChannelType ChannelType `json:"channel_type"`
}

type GetChannelPtsResponse struct {
	CurrentPts int64 `json:"current_pts"`
}

// BatchGetChannelPtsRequest reads current pts for several channels at
// once, used for cheap multi-channel initialization.
type BatchGetChannelPtsRequest struct {
	Channels []Channel `json:"channels"`
}

type ChannelPtsInfo struct {
	ChannelID   int64       `json:"channel_id"`
	ChannelType ChannelType `json:"channel_type"`
	CurrentPts  int64       `json:"current_pts"`
}

type BatchGetChannelPtsResponse struct {
	ChannelPtsMap []ChannelPtsInfo `json:"channel_pts_map"`
}

// SyncEntitiesRequest pulls incremental non-message state (friends,
// groups, memberships, settings) by per-type version number. SinceVersion
// zero means full sync. Scope narrows types that need it, e.g. a group id
// for group_member.
type SyncEntitiesRequest struct {
	EntityType   string `json:"entity_type"`
	SinceVersion int64  `json:"since_version,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// SyncEntityItem is one entity record in a sync page. Deleted marks a
// tombstone; the client must drop its local copy.
type SyncEntityItem struct {
	EntityID string          `json:"entity_id"`
	Version  int64           `json:"version"`
	Deleted  bool            `json:"deleted"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SyncEntitiesResponse pages entity records. MinVersion is set instead of
// a useful diff when the client's cursor predates the retained tombstone
// horizon; the client must discard local state and resync from zero.
type SyncEntitiesResponse struct {
	Items       []SyncEntityItem `json:"items"`
	NextVersion int64            `json:"next_version"`
	HasMore     bool             `json:"has_more"`
	MinVersion  *int64           `json:"min_version,omitempty"`
}

// ErrorResponse is the standard JSON error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`
}
