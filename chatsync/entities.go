// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Entity version store: per-entity-type monotonic version counters plus a
// tombstone-aware snapshot, for syncing non-message state (friend lists,
// group membership, settings) independently of the message pts stream.
// The counter is global per entity_type, not per entity, so since_version
// cursors have a total order.

// BumpEntity records a new state for (entityType, entityID) and returns
// the assigned version. Scope is optional and narrows later sync pulls
// (e.g. a group id for group_member rows).
func (s *SyncService) BumpEntity(ctx context.Context, entityType, entityID, scope string, payload json.RawMessage) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	if err := validateEntityType(entityType); err != nil {
		return 0, err
	}
	version, err := s.writeEntity(ctx, entityType, entityID, scope, payload, false)
	if err != nil {
		return 0, classifyStoreError("bump entity", err)
	}
	return version, nil
}

// MarkEntityDeleted tombstones (entityType, entityID) and returns the
// version carrying the deletion. The tombstone row stays behind so
// incremental pulls propagate the delete; PruneEntityTombstones reclaims
// it later by raising the min_version watermark.
func (s *SyncService) MarkEntityDeleted(ctx context.Context, entityType, entityID string) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	if err := validateEntityType(entityType); err != nil {
		return 0, err
	}
	version, err := s.writeEntity(ctx, entityType, entityID, "", nil, true)
	if err != nil {
		return 0, classifyStoreError("mark entity deleted", err)
	}
	return version, nil
}

// writeEntity advances the per-type counter and upserts the entity row in
// one transaction. The counter row lock serializes writers of the same
// entity_type; types advance independently of each other and of channel
// pts counters.
func (s *SyncService) writeEntity(ctx context.Context, entityType, entityID, scope string, payload json.RawMessage, deleted bool) (int64, error) {
	var version int64
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO chatsync.entity_version_seq (entity_type, version)
			VALUES (@entity_type, 1)
			ON CONFLICT (entity_type)
			DO UPDATE SET version = entity_version_seq.version + 1
			RETURNING version`,
			pgx.NamedArgs{"entity_type": entityType},
		).Scan(&version); err != nil {
			return fmt.Errorf("next entity version for %s: %w", entityType, err)
		}

		var scopeArg *string
		if scope != "" {
			scopeArg = &scope
		}
		// On delete, keep the last known scope so scoped pulls still see
		// the tombstone.
		_, err := tx.Exec(ctx, `
			INSERT INTO chatsync.entity_state
				(entity_type, entity_id, scope, version, deleted, payload, updated_at)
			VALUES (@entity_type, @entity_id, @scope, @version, @deleted, @payload, now())
			ON CONFLICT (entity_type, entity_id)
			DO UPDATE SET
				scope      = COALESCE(EXCLUDED.scope, entity_state.scope),
				version    = EXCLUDED.version,
				deleted    = EXCLUDED.deleted,
				payload    = EXCLUDED.payload,
				updated_at = now()`,
			pgx.NamedArgs{
				"entity_type": entityType,
				"entity_id":   entityID,
				"scope":       scopeArg,
				"version":     version,
				"deleted":     deleted,
				"payload":     payload,
			},
		)
		if err != nil {
			return fmt.Errorf("upsert entity %s/%s: %w", entityType, entityID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// SyncEntities returns entity records with version > since_version,
// ascending by version, capped at the page limit. A cursor older than the
// retained tombstone horizon gets min_version back instead of a diff,
// telling the client to discard local state and resync from zero.
func (s *SyncService) SyncEntities(ctx context.Context, req *SyncEntitiesRequest) (*SyncEntitiesResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := validateEntityType(req.EntityType); err != nil {
		return nil, err
	}
	if req.SinceVersion < 0 {
		return nil, fmt.Errorf("%w: since_version must be >= 0", ErrBadRequest)
	}
	limit := s.pageLimit(req.Limit)

	start := s.stageStart()
	resp, err := s.syncEntitiesPage(ctx, req, limit)
	s.observeStage(ctx, MetricsOpEntitySync, MetricsStageTotal, start, len(req.EntityType), err != nil)
	if err != nil {
		return nil, classifyStoreError("sync entities", err)
	}
	return resp, nil
}

func (s *SyncService) syncEntitiesPage(ctx context.Context, req *SyncEntitiesRequest, limit int) (*SyncEntitiesResponse, error) {
	var (
		currentVersion int64
		minVersion     int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT version FROM chatsync.entity_version_seq
			          WHERE entity_type = @entity_type), 0),
			COALESCE((SELECT min_version FROM chatsync.entity_watermark
			          WHERE entity_type = @entity_type), 0)`,
		pgx.NamedArgs{"entity_type": req.EntityType},
	).Scan(&currentVersion, &minVersion)
	if err != nil {
		return nil, fmt.Errorf("entity version watermark: %w", err)
	}

	// An incremental cursor below the watermark has missed pruned
	// tombstones; only a full resync is correct from here.
	if req.SinceVersion > 0 && req.SinceVersion < minVersion {
		mv := minVersion
		return &SyncEntitiesResponse{
			Items:       []SyncEntityItem{},
			NextVersion: req.SinceVersion,
			HasMore:     false,
			MinVersion:  &mv,
		}, nil
	}

	var scopeArg *string
	if req.Scope != "" {
		sc := req.Scope
		scopeArg = &sc
	}
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, scope, version, deleted, payload, updated_at
		FROM chatsync.entity_state
		WHERE entity_type = @entity_type
		  AND version > @since_version
		  AND (@scope::text IS NULL OR scope = @scope)
		ORDER BY version
		LIMIT @limit`,
		pgx.NamedArgs{
			"entity_type":   req.EntityType,
			"since_version": req.SinceVersion,
			"scope":         scopeArg,
			"limit":         limit + 1,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("entity sync query: %w", err)
	}
	defer rows.Close()

	items := make([]SyncEntityItem, 0, limit)
	for rows.Next() {
		var rec EntityRecord
		if err := rows.Scan(&rec.EntityType, &rec.EntityID, &rec.Scope,
			&rec.Version, &rec.Deleted, &rec.Payload, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("entity sync scan: %w", err)
		}
		items = append(items, rec.syncItem())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity sync rows: %w", err)
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	// next_version: the cursor for the following pull. Mid-pagination it
	// points at the last delivered record; once drained it jumps to the
	// type's current counter so future pulls are pure increments.
	nextVersion := currentVersion
	if hasMore {
		nextVersion = items[len(items)-1].Version
	} else if len(items) == 0 && req.SinceVersion > currentVersion {
		nextVersion = req.SinceVersion
	}

	return &SyncEntitiesResponse{
		Items:       items,
		NextVersion: nextVersion,
		HasMore:     hasMore,
	}, nil
}

// EntityTypeVersion reads the current version counter for an entity
// type without side effects. Operators use it to pick a prune horizon.
func (s *SyncService) EntityTypeVersion(ctx context.Context, entityType string) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	if err := validateEntityType(entityType); err != nil {
		return 0, err
	}
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT version FROM chatsync.entity_version_seq
		                 WHERE entity_type = @entity_type), 0)`,
		pgx.NamedArgs{"entity_type": entityType},
	).Scan(&version)
	if err != nil {
		return 0, classifyStoreError("entity type version", err)
	}
	return version, nil
}
