// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Structural validation of incoming requests. Failures here are terminal
// ErrBadRequest errors, not Rejected decisions: the request is malformed
// rather than disallowed, and the transport maps them to 400.

func (s *SyncService) validateSubmitRequest(req *SubmitRequest) error {
	if req == nil {
		return fmt.Errorf("%w: missing request body", ErrBadRequest)
	}
	if req.LocalMessageID <= 0 {
		return fmt.Errorf("%w: local_message_id must be positive", ErrBadRequest)
	}
	if req.ChannelID <= 0 {
		return fmt.Errorf("%w: channel_id must be positive", ErrBadRequest)
	}
	if !req.ChannelType.Valid() {
		return fmt.Errorf("%w: unknown channel_type %d", ErrBadRequest, req.ChannelType)
	}
	if req.LastPts < 0 {
		return fmt.Errorf("%w: last_pts must be >= 0", ErrBadRequest)
	}

	req.CommandType = strings.ToLower(strings.TrimSpace(req.CommandType))
	if !isValidCommandType(req.CommandType) {
		return fmt.Errorf("%w: invalid command_type %q", ErrBadRequest, req.CommandType)
	}

	if len(req.Payload) == 0 {
		return fmt.Errorf("%w: payload required", ErrBadRequest)
	}
	var obj map[string]any
	if err := json.Unmarshal(req.Payload, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrBadRequest)
	}
	if s.config.MaxPayloadBytes > 0 && len(req.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload too large: %d > %d",
			ErrBadRequest, len(req.Payload), s.config.MaxPayloadBytes)
	}

	return nil
}

func validateDifferenceRequest(req *GetDifferenceRequest) error {
	if req == nil {
		return fmt.Errorf("%w: missing request body", ErrBadRequest)
	}
	if req.ChannelID <= 0 {
		return fmt.Errorf("%w: channel_id must be positive", ErrBadRequest)
	}
	if !req.ChannelType.Valid() {
		return fmt.Errorf("%w: unknown channel_type %d", ErrBadRequest, req.ChannelType)
	}
	if req.LastPts < 0 {
		return fmt.Errorf("%w: last_pts must be >= 0", ErrBadRequest)
	}
	return nil
}

func validateEntityType(entityType string) error {
	if !isValidEntityType(entityType) {
		return fmt.Errorf("%w: invalid entity_type %q", ErrBadRequest, entityType)
	}
	return nil
}

// isValidCommandType checks ^[a-z0-9_.]+$.
func isValidCommandType(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// isValidEntityType checks ^[a-z0-9_]+$.
func isValidEntityType(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}
