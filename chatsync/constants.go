// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

// ChannelType distinguishes direct conversations from group conversations.
// Each (channel_id, channel_type) pair owns exactly one pts counter.
type ChannelType uint8

const (
	ChannelDirect ChannelType = 1
	ChannelGroup  ChannelType = 2
)

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	return t == ChannelDirect || t == ChannelGroup
}

// Rejection reason constants used by the default policy engine.
const (
	ReasonNotMember      = "not_a_channel_member"
	ReasonUnknownCommand = "unknown_command_type"
	ReasonPayloadTooBig  = "payload_too_large"
	ReasonContentPolicy  = "content_policy_violation"
)

// Transformation reason constants.
const (
	ReasonRedacted = "content_redacted"
)

// Well-known entity types for the entity version store. The store accepts
// any lowercase identifier; these are the types the original protocol ships.
const (
	EntityFriend       = "friend"
	EntityGroup        = "group"
	EntityChannel      = "channel"
	EntityGroupMember  = "group_member"
	EntityUser         = "user"
	EntityUserSettings = "user_settings"
	EntityUserBlock    = "user_block"
)
