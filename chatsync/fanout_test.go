// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type collectingSink struct {
	mu      sync.Mutex
	commits []*ServerCommit
	block   chan struct{} // when set, DeliverCommit waits on it
}

func (c *collectingSink) DeliverCommit(ctx context.Context, commit *ServerCommit) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, commit)
	return nil
}

func (c *collectingSink) delivered() []*ServerCommit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ServerCommit, len(c.commits))
	copy(out, c.commits)
	return out
}

func TestFanoutDeliversAllQueuedCommits(t *testing.T) {
	sink := &collectingSink{}
	d := newFanoutDispatcher(sink, 2, 64, slog.Default())

	for i := int64(1); i <= 20; i++ {
		d.enqueue(&ServerCommit{ChannelID: 42, ChannelType: ChannelGroup, Pts: i})
	}
	d.close()

	require.Len(t, sink.delivered(), 20)
}

func TestFanoutEnqueueNeverBlocks(t *testing.T) {
	sink := &collectingSink{block: make(chan struct{})}
	d := newFanoutDispatcher(sink, 1, 2, slog.Default())
	defer func() {
		close(sink.block)
		d.close()
	}()

	done := make(chan struct{})
	go func() {
		// Far more commits than queue capacity while delivery is stuck.
		for i := int64(1); i <= 100; i++ {
			d.enqueue(&ServerCommit{ChannelID: 1, ChannelType: ChannelDirect, Pts: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue blocked on a full fan-out queue")
	}
}

func TestFanoutEnqueueAfterCloseIsNoop(t *testing.T) {
	sink := &collectingSink{}
	d := newFanoutDispatcher(sink, 1, 8, slog.Default())
	d.close()

	// Must neither panic nor deliver.
	d.enqueue(&ServerCommit{ChannelID: 1, ChannelType: ChannelDirect, Pts: 1})
	require.Empty(t, sink.delivered())

	// Double close is safe.
	d.close()
}
