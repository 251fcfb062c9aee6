// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/privchat/syncd/chatsync"
)

func (h *SyncHarness) post(path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(h.t, err)

	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	r.Header.Set("Content-Type", "application/json")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) *T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return &out
}

// Drives the full submit/catch-up cycle over HTTP with JWT auth, the
// way a client device does.
func TestHTTPSubmitAndDifference(t *testing.T) {
	h := newSyncHarness(t)
	ch := h.newChannel(chatsync.ChannelGroup)

	w := h.post("/sync/submit", h.token, textSubmit(ch, nextID(), 0, "over http"))
	require.Equal(t, http.StatusOK, w.Code)
	submit := decodeBody[chatsync.SubmitResponse](t, w)
	require.Equal(t, chatsync.DecisionAccepted, submit.Decision.Kind())
	require.Equal(t, int64(1), *submit.Pts)

	w = h.post("/sync/get_difference", h.token, &chatsync.GetDifferenceRequest{
		ChannelID:   ch.ID,
		ChannelType: ch.Type,
	})
	require.Equal(t, http.StatusOK, w.Code)
	diff := decodeBody[chatsync.GetDifferenceResponse](t, w)
	require.Len(t, diff.Commits, 1)
	require.Equal(t, h.userID, diff.Commits[0].SenderID)

	w = h.post("/sync/get_channel_pts", h.token, &chatsync.GetChannelPtsRequest{
		ChannelID:   ch.ID,
		ChannelType: ch.Type,
	})
	require.Equal(t, http.StatusOK, w.Code)
	pts := decodeBody[chatsync.GetChannelPtsResponse](t, w)
	require.Equal(t, int64(1), pts.CurrentPts)

	w = h.post("/sync/batch_get_channel_pts", h.token, &chatsync.BatchGetChannelPtsRequest{
		Channels: []chatsync.Channel{ch},
	})
	require.Equal(t, http.StatusOK, w.Code)
	batch := decodeBody[chatsync.BatchGetChannelPtsResponse](t, w)
	require.Len(t, batch.ChannelPtsMap, 1)
}

func TestHTTPAuthAndValidationErrors(t *testing.T) {
	h := newSyncHarness(t)
	ch := h.newChannel(chatsync.ChannelDirect)

	w := h.post("/sync/submit", "", textSubmit(ch, nextID(), 0, "hi"))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	bad := textSubmit(ch, nextID(), 0, "hi")
	bad.ChannelType = 9
	w = h.post("/sync/submit", h.token, bad)
	require.Equal(t, http.StatusBadRequest, w.Code)
	errResp := decodeBody[chatsync.ErrorResponse](t, w)
	require.Equal(t, "invalid_request", errResp.Error)
	require.False(t, errResp.Retriable)

	r := httptest.NewRequest(http.MethodGet, "/sync/submit", nil)
	r.Header.Set("Authorization", "Bearer "+h.token)
	w2 := httptest.NewRecorder()
	h.server.ServeHTTP(w2, r)
	require.Equal(t, http.StatusMethodNotAllowed, w2.Code)
}

func TestHTTPAdminEndpoints(t *testing.T) {
	h := newSyncHarness(t)
	entityType := uniqueEntityType("friend")

	_, err := h.service.BumpEntity(h.ctx, entityType, "a", "", json.RawMessage(`{}`))
	require.NoError(t, err)
	deletedAt, err := h.service.MarkEntityDeleted(h.ctx, entityType, "a")
	require.NoError(t, err)

	w := h.post("/entity/sync_entities", h.token, &chatsync.SyncEntitiesRequest{
		EntityType: entityType,
	})
	require.Equal(t, http.StatusOK, w.Code)
	sync := decodeBody[chatsync.SyncEntitiesResponse](t, w)
	require.Len(t, sync.Items, 1)
	require.True(t, sync.Items[0].Deleted)

	w = h.post("/admin/entities/prune", h.token, map[string]any{
		"entity_type":     entityType,
		"through_version": deletedAt,
	})
	require.Equal(t, http.StatusOK, w.Code)
	pruned := decodeBody[map[string]int64](t, w)
	require.Equal(t, int64(1), (*pruned)["removed"])

	w = h.post("/admin/ledger/gc", h.token, map[string]any{"older_than_hours": 24})
	require.Equal(t, http.StatusOK, w.Code)
}

// waitSink collects fan-out deliveries for assertion.
type waitSink struct {
	mu      sync.Mutex
	commits []*chatsync.ServerCommit
	notify  chan struct{}
}

func newWaitSink() *waitSink {
	return &waitSink{notify: make(chan struct{}, 64)}
}

func (s *waitSink) DeliverCommit(_ context.Context, commit *chatsync.ServerCommit) error {
	s.mu.Lock()
	s.commits = append(s.commits, commit)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *waitSink) waitFor(t *testing.T, n int) []*chatsync.ServerCommit {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		if len(s.commits) >= n {
			out := make([]*chatsync.ServerCommit, len(s.commits))
			copy(out, s.commits)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d fan-out commits", n)
		}
	}
}

// Committed submissions reach the fan-out sink with sender info
// attached; rejected submissions never do.
func TestFanoutReceivesCommittedSubmissions(t *testing.T) {
	sink := newWaitSink()
	h := newSyncHarnessWithConfig(t, func(cfg *chatsync.ServiceConfig) {
		cfg.Sink = sink
		cfg.Engine = chatsync.NewPolicyEngine(chatsync.PolicyConfig{
			AllowedCommandTypes: []string{"send_message"},
		})
		cfg.SenderLookup = func(ctx context.Context, userID string) (*chatsync.SenderInfo, error) {
			return &chatsync.SenderInfo{UserID: userID, Username: "tester"}, nil
		}
	})
	ch := h.newChannel(chatsync.ChannelGroup)

	rejected := textSubmit(ch, nextID(), 0, "nope")
	rejected.CommandType = "forbidden_op"
	resp := h.submit(rejected)
	require.Equal(t, chatsync.DecisionRejected, resp.Decision.Kind())

	h.submit(textSubmit(ch, nextID(), 0, "delivered"))

	commits := sink.waitFor(t, 1)
	require.Len(t, commits, 1)
	require.Equal(t, int64(1), commits[0].Pts)
	require.Equal(t, ch.ID, commits[0].ChannelID)
	require.NotNil(t, commits[0].SenderInfo)
	require.Equal(t, "tester", commits[0].SenderInfo.Username)
}
