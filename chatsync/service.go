// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SenderLookup resolves a denormalized sender summary for fan-out
// commits. Supplied by the user-profile collaborator; errors are logged
// and the commit goes out without sender info.
type SenderLookup func(ctx context.Context, userID string) (*SenderInfo, error)

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName string // Application name for logs and status

	// Engine decides submissions. Nil installs a permissive PolicyEngine.
	Engine DecisionEngine
	// Sink receives committed operations for fan-out to channel members.
	// Nil disables fan-out (catch-up still works via get_difference).
	Sink            CommitSink
	FanoutWorkers   int // 0 = 4
	FanoutQueueSize int // 0 = 256

	SenderLookup SenderLookup

	MaxPayloadBytes  int // Maximum raw payload size per submission (0 = unlimited)
	DefaultPageLimit int // Page size when the client sends none (0 = 100)
	MaxPageLimit     int // Hard page-size cap (0 = 1000)

	DisableAutoMigrate bool // Skip schema initialization on startup

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// SyncService is the sync coordinator: the single entry point for client
// submissions and catch-up requests. It drives the channel sequencer,
// decision engine, idempotency ledger, and commit log for message sync,
// and the entity version store for entity sync.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
	engine DecisionEngine
	fanout *fanoutDispatcher

	mu     sync.RWMutex
	closed bool
}

// errLedgerRace aborts the commit transaction when a concurrent
// submission with the same idempotency key recorded its decision first.
// The rollback releases the pts this attempt drew, so the loser consumes
// nothing and the winner's entry is returned instead.
var errLedgerRace = errors.New("idempotency ledger race lost")

// NewSyncService creates a sync service on an existing pool. The pool's
// lifecycle stays with the caller.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "syncd"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	engine := config.Engine
	if engine == nil {
		engine = NewPolicyEngine(PolicyConfig{MaxPayloadBytes: config.MaxPayloadBytes})
	}

	s := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
		engine: engine,
	}

	if !config.DisableAutoMigrate {
		if err := s.initializeSchema(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to initialize sync service: %w", err)
		}
		logger.Debug("Sync schema initialized")
	}

	if config.Sink != nil {
		s.fanout = newFanoutDispatcher(config.Sink, config.FanoutWorkers, config.FanoutQueueSize, logger)
	}

	return s, nil
}

// Close shuts the service down, draining pending fan-out deliveries.
// Safe to call multiple times. Does not close the pool.
func (s *SyncService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.fanout != nil {
		s.fanout.close()
	}
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SyncService) pageLimit(requested int) int {
	def := s.config.DefaultPageLimit
	if def <= 0 {
		def = 100
	}
	max := s.config.MaxPageLimit
	if max <= 0 {
		max = 1000
	}
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

// Submit runs the submission state machine: ledger check, decision,
// then either finalize-without-commit (rejected) or sequence + append +
// record in one transaction. userID and sourceID come from the
// authenticated identity, never from the request body.
func (s *SyncService) Submit(ctx context.Context, userID, sourceID string, req *SubmitRequest) (*SubmitResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user identity", ErrBadRequest)
	}
	if sourceID == "" {
		sourceID = req.DeviceID
	}
	if sourceID == "" {
		sourceID = "-"
	}
	if err := s.validateSubmitRequest(req); err != nil {
		return nil, err
	}

	totalStart := s.stageStart()

	// Idempotence gate: a recorded key returns its stored decision
	// verbatim and consumes nothing.
	entry, err := s.lookupLedger(ctx, s.pool, userID, sourceID, req.LocalMessageID)
	if err != nil {
		return nil, classifyStoreError("submit ledger lookup", err)
	}
	if entry != nil {
		resp, err := s.replayResponse(ctx, req, entry)
		s.observeStage(ctx, MetricsOpSubmit, MetricsStageSubmitLedgerHit, totalStart, 1, err != nil)
		return resp, err
	}

	decideStart := s.stageStart()
	decision, finalPayload, err := s.engine.Decide(ctx, s.submission(userID, sourceID, req))
	s.observeStage(ctx, MetricsOpSubmit, MetricsStageSubmitDecide, decideStart, 1, err != nil)
	if err != nil {
		return nil, fmt.Errorf("decision engine: %w: %w", ErrTransient, err)
	}

	var resp *SubmitResponse
	if decision.Committable() {
		resp, err = s.commitSubmission(ctx, userID, sourceID, req, decision, finalPayload)
	} else {
		resp, err = s.finalizeRejected(ctx, userID, sourceID, req, decision)
	}
	s.observeStage(ctx, MetricsOpSubmit, MetricsStageTotal, totalStart, 1, err != nil)
	return resp, err
}

func (s *SyncService) submission(userID, sourceID string, req *SubmitRequest) *Submission {
	return &Submission{
		UserID:          userID,
		SourceID:        sourceID,
		LocalMessageID:  req.LocalMessageID,
		Channel:         req.Channel(),
		LastPts:         req.LastPts,
		CommandType:     req.CommandType,
		Payload:         req.Payload,
		ClientTimestamp: req.ClientTimestamp,
	}
}

// replayResponse rebuilds the response for a submission whose decision is
// already on the ledger.
func (s *SyncService) replayResponse(ctx context.Context, req *SubmitRequest, entry *LedgerEntry) (*SubmitResponse, error) {
	decision, err := entry.Decision()
	if err != nil {
		return nil, fmt.Errorf("submit replay: %w", err)
	}

	current, err := s.currentPts(ctx, s.pool, req.Channel())
	if err != nil {
		return nil, classifyStoreError("submit replay", err)
	}

	// For a committed replay the gap is judged against the channel state
	// just before that commit, reproducing the original answer.
	var hasGap bool
	if entry.Pts != nil {
		hasGap = req.LastPts < *entry.Pts-1
	} else {
		hasGap = req.LastPts < current
	}

	return &SubmitResponse{
		Decision:        decision,
		Pts:             entry.Pts,
		ServerMsgID:     entry.ServerMsgID,
		ServerTimestamp: entry.RecordedAt.UnixMilli(),
		LocalMessageID:  req.LocalMessageID,
		HasGap:          hasGap,
		CurrentPts:      current,
	}, nil
}

// finalizeRejected records a rejected decision without touching the
// channel counter or the commit log.
func (s *SyncService) finalizeRejected(ctx context.Context, userID, sourceID string, req *SubmitRequest, decision Decision) (*SubmitResponse, error) {
	var winner *LedgerEntry
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		inserted, err := s.recordLedger(ctx, tx, &LedgerEntry{
			UserID:         userID,
			SourceID:       sourceID,
			LocalMessageID: req.LocalMessageID,
			DecisionKind:   string(decision.Kind()),
			Reason:         decision.Reason(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			winner, err = s.lookupLedger(ctx, tx, userID, sourceID, req.LocalMessageID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, classifyStoreError("submit reject", err)
	}
	if winner != nil {
		return s.replayResponse(ctx, req, winner)
	}

	current, err := s.currentPts(ctx, s.pool, req.Channel())
	if err != nil {
		return nil, classifyStoreError("submit reject", err)
	}

	s.logger.Info("Submission rejected",
		"user_id", userID, "source_id", sourceID,
		"local_message_id", req.LocalMessageID,
		"channel_id", req.ChannelID, "channel_type", req.ChannelType,
		"reason", decision.Reason())

	return &SubmitResponse{
		Decision:        decision,
		ServerTimestamp: time.Now().UnixMilli(),
		LocalMessageID:  req.LocalMessageID,
		HasGap:          req.LastPts < current,
		CurrentPts:      current,
	}, nil
}

// commitSubmission assigns a pts, appends the commit, and records the
// ledger entry in one transaction. Once the pts is drawn the transaction
// either appends or rolls the counter back with it; a committed pts with
// no commit row cannot exist.
func (s *SyncService) commitSubmission(ctx context.Context, userID, sourceID string, req *SubmitRequest, decision Decision, payload []byte) (*SubmitResponse, error) {
	ch := req.Channel()
	localID := req.LocalMessageID

	var (
		pts         int64
		serverMsgID int64
		serverTS    time.Time
	)

	// Read committed: a concurrent same-channel submitter blocks on the
	// counter row lock and proceeds once this transaction resolves,
	// instead of failing with a serialization error.
	txStart := s.stageStart()
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		var err error
		pts, err = s.nextPts(ctx, tx, ch)
		if err != nil {
			return err
		}

		serverTS = time.Now().UTC()
		serverMsgID, err = s.appendCommit(ctx, tx, &CommitRecord{
			ChannelID:       ch.ID,
			ChannelType:     ch.Type,
			Pts:             pts,
			LocalMessageID:  &localID,
			CommandType:     req.CommandType,
			Content:         payload,
			SenderID:        userID,
			SourceID:        sourceID,
			ServerTimestamp: serverTS,
		})
		if err != nil {
			return err
		}

		inserted, err := s.recordLedger(ctx, tx, &LedgerEntry{
			UserID:         userID,
			SourceID:       sourceID,
			LocalMessageID: localID,
			DecisionKind:   string(decision.Kind()),
			Reason:         decision.Reason(),
			Pts:            &pts,
			ServerMsgID:    &serverMsgID,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errLedgerRace
		}
		return nil
	})
	s.observeStage(ctx, MetricsOpSubmit, MetricsStageSubmitCommitTx, txStart, 1, err != nil && !errors.Is(err, errLedgerRace))

	if errors.Is(err, errLedgerRace) {
		winner, lookupErr := s.lookupLedger(ctx, s.pool, userID, sourceID, localID)
		if lookupErr != nil {
			return nil, classifyStoreError("submit commit", lookupErr)
		}
		if winner == nil {
			// The winner's transaction has not committed yet; the client
			// retries with the same local_message_id and lands on it.
			return nil, fmt.Errorf("submit commit: %w: concurrent duplicate in flight", ErrTransient)
		}
		return s.replayResponse(ctx, req, winner)
	}
	if err != nil {
		return nil, classifyStoreError("submit commit", err)
	}

	commit := &ServerCommit{
		Pts:             pts,
		ServerMsgID:     serverMsgID,
		LocalMessageID:  &localID,
		ChannelID:       ch.ID,
		ChannelType:     ch.Type,
		MessageType:     req.CommandType,
		Content:         payload,
		ServerTimestamp: serverTS.UnixMilli(),
		SenderID:        userID,
	}
	if s.config.SenderLookup != nil {
		info, lookupErr := s.config.SenderLookup(ctx, userID)
		if lookupErr != nil {
			s.logger.Warn("Sender lookup failed", "error", lookupErr, "user_id", userID)
		} else {
			commit.SenderInfo = info
		}
	}
	if s.fanout != nil {
		fanStart := s.stageStart()
		s.fanout.enqueue(commit)
		s.observeStage(ctx, MetricsOpSubmit, MetricsStageSubmitFanout, fanStart, 1, false)
	}

	s.logger.Debug("Submission committed",
		"user_id", userID, "source_id", sourceID,
		"local_message_id", localID,
		"channel_id", ch.ID, "channel_type", ch.Type,
		"pts", pts, "server_msg_id", serverMsgID,
		"decision", decision.Kind())

	return &SubmitResponse{
		Decision:        decision,
		Pts:             &pts,
		ServerMsgID:     &serverMsgID,
		ServerTimestamp: serverTS.UnixMilli(),
		LocalMessageID:  localID,
		HasGap:          req.LastPts < pts-1,
		CurrentPts:      pts,
	}, nil
}

// GetDifference returns one ascending page of commits the client has not
// seen, plus the authoritative current pts. Read-only; runs in full
// parallel with submissions, including on the same channel.
func (s *SyncService) GetDifference(ctx context.Context, req *GetDifferenceRequest) (*GetDifferenceResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := validateDifferenceRequest(req); err != nil {
		return nil, err
	}
	limit := s.pageLimit(req.Limit)
	ch := Channel{ID: req.ChannelID, Type: req.ChannelType}

	wmStart := s.stageStart()
	current, err := s.currentPts(ctx, s.pool, ch)
	s.observeStage(ctx, MetricsOpDifference, MetricsStageDifferenceWatermark, wmStart, 1, err != nil)
	if err != nil {
		return nil, classifyStoreError("get difference", err)
	}

	if req.LastPts >= current {
		return &GetDifferenceResponse{
			Commits:    []ServerCommit{},
			CurrentPts: current,
			HasMore:    false,
		}, nil
	}

	fetchStart := s.stageStart()
	commits, hasMore, err := s.rangeCommits(ctx, ch, req.LastPts, current, limit)
	s.observeStage(ctx, MetricsOpDifference, MetricsStageDifferenceFetch, fetchStart, len(commits), err != nil)
	if err != nil {
		return nil, classifyStoreError("get difference", err)
	}

	return &GetDifferenceResponse{
		Commits:    commits,
		CurrentPts: current,
		HasMore:    hasMore,
	}, nil
}

// GetChannelPts reads one channel's current pts. No side effects.
func (s *SyncService) GetChannelPts(ctx context.Context, req *GetChannelPtsRequest) (*GetChannelPtsResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req == nil || req.ChannelID <= 0 || !req.ChannelType.Valid() {
		return nil, fmt.Errorf("%w: invalid channel", ErrBadRequest)
	}

	current, err := s.currentPts(ctx, s.pool, Channel{ID: req.ChannelID, Type: req.ChannelType})
	if err != nil {
		return nil, classifyStoreError("get channel pts", err)
	}
	return &GetChannelPtsResponse{CurrentPts: current}, nil
}

// BatchGetChannelPts reads current pts for several channels, used to
// decide which channels need a difference pull before going live.
func (s *SyncService) BatchGetChannelPts(ctx context.Context, req *BatchGetChannelPtsRequest) (*BatchGetChannelPtsResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: missing request body", ErrBadRequest)
	}
	for _, ch := range req.Channels {
		if ch.ID <= 0 || !ch.Type.Valid() {
			return nil, fmt.Errorf("%w: invalid channel %d/%d", ErrBadRequest, ch.ID, ch.Type)
		}
	}

	infos, err := s.batchCurrentPts(ctx, req.Channels)
	if err != nil {
		return nil, classifyStoreError("batch get channel pts", err)
	}
	return &BatchGetChannelPtsResponse{ChannelPtsMap: infos}, nil
}
