// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/privchat/syncd/chatsync"
)

// Paging through the difference in small pages must reproduce exactly
// the commits a single large pull returns, in the same order.
func TestDifferencePagination(t *testing.T) {
	h := newSyncHarness(t)
	ch := h.newChannel(chatsync.ChannelGroup)

	const total = 25
	for i := 1; i <= total; i++ {
		h.submit(textSubmit(ch, nextID(), int64(i-1), fmt.Sprintf("msg %d", i)))
	}

	full := h.difference(ch, 0, total)
	require.Len(t, full.Commits, total)
	require.False(t, full.HasMore)

	var paged []chatsync.ServerCommit
	lastPts := int64(0)
	pages := 0
	for {
		page := h.difference(ch, lastPts, 10)
		paged = append(paged, page.Commits...)
		pages++
		require.Equal(t, int64(total), page.CurrentPts)
		if !page.HasMore {
			break
		}
		require.Len(t, page.Commits, 10)
		lastPts = page.Commits[len(page.Commits)-1].Pts
	}

	require.Equal(t, 3, pages)
	require.Len(t, paged, total)
	for i, commit := range paged {
		require.Equal(t, full.Commits[i].Pts, commit.Pts)
		require.Equal(t, full.Commits[i].ServerMsgID, commit.ServerMsgID)
		require.Equal(t, int64(i+1), commit.Pts)
	}
}

func TestDifferenceUpToDateShortCircuits(t *testing.T) {
	h := newSyncHarness(t)
	ch := h.newChannel(chatsync.ChannelDirect)

	h.submit(textSubmit(ch, nextID(), 0, "only"))

	diff := h.difference(ch, 1, 10)
	require.Empty(t, diff.Commits)
	require.False(t, diff.HasMore)
	require.Equal(t, int64(1), diff.CurrentPts)

	// A client claiming to be ahead of the server still gets an empty
	// page with the authoritative pts, never an error.
	ahead := h.difference(ch, 99, 10)
	require.Empty(t, ahead.Commits)
	require.Equal(t, int64(1), ahead.CurrentPts)
}

func TestDifferenceOnUntouchedChannel(t *testing.T) {
	h := newSyncHarness(t)
	ch := h.newChannel(chatsync.ChannelGroup)

	diff := h.difference(ch, 0, 10)
	require.Empty(t, diff.Commits)
	require.False(t, diff.HasMore)
	require.Equal(t, int64(0), diff.CurrentPts)
	require.Equal(t, int64(0), h.channelPts(ch))
}

func TestBatchGetChannelPts(t *testing.T) {
	h := newSyncHarness(t)
	chA := h.newChannel(chatsync.ChannelGroup)
	chB := h.newChannel(chatsync.ChannelDirect)
	chEmpty := h.newChannel(chatsync.ChannelGroup)

	for i := 0; i < 3; i++ {
		h.submit(textSubmit(chA, nextID(), 0, "a"))
	}
	h.submit(textSubmit(chB, nextID(), 0, "b"))

	resp, err := h.service.BatchGetChannelPts(h.ctx, &chatsync.BatchGetChannelPtsRequest{
		Channels: []chatsync.Channel{chA, chB, chEmpty},
	})
	require.NoError(t, err)
	require.Len(t, resp.ChannelPtsMap, 3)

	byID := make(map[int64]int64)
	for _, info := range resp.ChannelPtsMap {
		byID[info.ChannelID] = info.CurrentPts
	}
	require.Equal(t, int64(3), byID[chA.ID])
	require.Equal(t, int64(1), byID[chB.ID])
	require.Equal(t, int64(0), byID[chEmpty.ID])
}
