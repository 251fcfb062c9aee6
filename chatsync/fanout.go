// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CommitSink receives newly appended commits for delivery to the other
// channel members. Delivery semantics (at-least-once, per-subscriber
// ordering) are the sink's responsibility; the coordinator only promises
// that enqueueing never blocks the submitter's response. A subscriber
// that misses a delivery recovers through get_difference.
type CommitSink interface {
	DeliverCommit(ctx context.Context, commit *ServerCommit) error
}

// fanoutDispatcher drains a bounded queue of commits into the sink with a
// small worker pool.
type fanoutDispatcher struct {
	sink   CommitSink
	queue  chan *ServerCommit
	logger *slog.Logger

	group  *errgroup.Group
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newFanoutDispatcher(sink CommitSink, workers, queueSize int, logger *slog.Logger) *fanoutDispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	d := &fanoutDispatcher{
		sink:   sink,
		queue:  make(chan *ServerCommit, queueSize),
		logger: logger,
		group:  group,
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		group.Go(func() error {
			for commit := range d.queue {
				if err := d.sink.DeliverCommit(ctx, commit); err != nil {
					d.logger.Warn("Fan-out delivery failed",
						"error", err,
						"channel_id", commit.ChannelID,
						"channel_type", commit.ChannelType,
						"pts", commit.Pts,
					)
				}
			}
			return nil
		})
	}

	return d
}

// enqueue hands a commit to the pool without blocking. On a full queue
// the commit is dropped with a warning; slow subscribers catch up via the
// difference endpoint, so dropping here costs latency, not correctness.
func (d *fanoutDispatcher) enqueue(commit *ServerCommit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- commit:
	default:
		d.logger.Warn("Fan-out queue full, dropping commit",
			"channel_id", commit.ChannelID,
			"channel_type", commit.ChannelType,
			"pts", commit.Pts,
		)
	}
}

// close stops accepting commits, lets the workers drain the queue, and
// cancels any delivery still in flight after the drain.
func (d *fanoutDispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	_ = d.group.Wait()
	d.cancel()
}
