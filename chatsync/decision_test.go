// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecisionJSONShape(t *testing.T) {
	accepted, err := json.Marshal(Accepted())
	require.NoError(t, err)
	require.JSONEq(t, `"accepted"`, string(accepted))

	transformed, err := json.Marshal(Transformed("content_redacted"))
	require.NoError(t, err)
	require.JSONEq(t, `{"transformed":{"reason":"content_redacted"}}`, string(transformed))

	rejected, err := json.Marshal(Rejected("spam"))
	require.NoError(t, err)
	require.JSONEq(t, `{"rejected":{"reason":"spam"}}`, string(rejected))

	_, err = json.Marshal(Decision{})
	require.Error(t, err)
}

func TestDecisionJSONRoundTrip(t *testing.T) {
	for _, d := range []Decision{Accepted(), Transformed("edited"), Rejected("nope")} {
		data, err := json.Marshal(d)
		require.NoError(t, err)

		var back Decision
		require.NoError(t, json.Unmarshal(data, &back))
		require.Equal(t, d.Kind(), back.Kind())
		require.Equal(t, d.Reason(), back.Reason())
	}

	var d Decision
	require.Error(t, json.Unmarshal([]byte(`"maybe"`), &d))
	require.Error(t, json.Unmarshal([]byte(`{"rejected":{"reason":"a"},"accepted":{}}`), &d))
}

func TestDecisionCommittable(t *testing.T) {
	require.True(t, Accepted().Committable())
	require.True(t, Transformed("r").Committable())
	require.False(t, Rejected("r").Committable())
	require.True(t, Decision{}.IsZero())
}

func TestDecisionFromStored(t *testing.T) {
	d, err := decisionFromStored("accepted", "")
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, d.Kind())

	d, err = decisionFromStored("rejected", "banned")
	require.NoError(t, err)
	require.Equal(t, "banned", d.Reason())

	_, err = decisionFromStored("bogus", "")
	require.Error(t, err)
}

func textSubmission(text string) *Submission {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return &Submission{
		UserID:      "u1",
		SourceID:    "d1",
		Channel:     Channel{ID: 42, Type: ChannelGroup},
		CommandType: "send_message",
		Payload:     payload,
	}
}

func TestPolicyEngineAccepts(t *testing.T) {
	engine := NewPolicyEngine(PolicyConfig{})
	sub := textSubmission("hello")

	decision, payload, err := engine.Decide(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, decision.Kind())
	require.Equal(t, sub.Payload, json.RawMessage(payload))
}

func TestPolicyEngineMembershipGate(t *testing.T) {
	engine := NewPolicyEngine(PolicyConfig{
		Membership: func(ctx context.Context, userID string, ch Channel) (bool, error) {
			return userID == "member", nil
		},
	})

	sub := textSubmission("hi")
	sub.UserID = "stranger"
	decision, _, err := engine.Decide(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, DecisionRejected, decision.Kind())
	require.Equal(t, ReasonNotMember, decision.Reason())

	sub.UserID = "member"
	decision, _, err = engine.Decide(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, decision.Kind())
}

func TestPolicyEngineCommandAllowList(t *testing.T) {
	engine := NewPolicyEngine(PolicyConfig{AllowedCommandTypes: []string{"send_message"}})

	sub := textSubmission("hi")
	sub.CommandType = "shutdown_server"
	decision, _, err := engine.Decide(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, DecisionRejected, decision.Kind())
	require.Equal(t, ReasonUnknownCommand, decision.Reason())
}

func TestPolicyEnginePayloadCap(t *testing.T) {
	engine := NewPolicyEngine(PolicyConfig{MaxPayloadBytes: 16})

	decision, _, err := engine.Decide(context.Background(), textSubmission("a very long message body"))
	require.NoError(t, err)
	require.Equal(t, DecisionRejected, decision.Kind())
	require.Equal(t, ReasonPayloadTooBig, decision.Reason())
}

func TestPolicyEngineRedaction(t *testing.T) {
	engine := NewPolicyEngine(PolicyConfig{RedactTerms: []string{"secret"}})

	decision, payload, err := engine.Decide(context.Background(), textSubmission("the secret plan"))
	require.NoError(t, err)
	require.Equal(t, DecisionTransformed, decision.Kind())
	require.Equal(t, ReasonRedacted, decision.Reason())

	var obj map[string]string
	require.NoError(t, json.Unmarshal(payload, &obj))
	require.Equal(t, "the ****** plan", obj["text"])

	// A clean message passes through untouched.
	decision, payload, err = engine.Decide(context.Background(), textSubmission("the public plan"))
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, decision.Kind())
	var clean map[string]string
	require.NoError(t, json.Unmarshal(payload, &clean))
	require.Equal(t, "the public plan", clean["text"])
}

func TestPolicyEngineRedactionPreservesSiblingFields(t *testing.T) {
	engine := NewPolicyEngine(PolicyConfig{RedactTerms: []string{"secret"}})

	// reply_to_msg_id is 2^53+1: a float64 round trip would lose its
	// low bit, so the rewrite must leave untouched fields byte-exact.
	sub := textSubmission("my secret")
	sub.Payload = json.RawMessage(`{"text":"my secret","reply_to_msg_id":9007199254740993}`)

	decision, payload, err := engine.Decide(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, DecisionTransformed, decision.Kind())

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &obj))
	require.Equal(t, "9007199254740993", string(obj["reply_to_msg_id"]))

	var text string
	require.NoError(t, json.Unmarshal(obj["text"], &text))
	require.Equal(t, "my ******", text)

	// A clean payload with the same shape is returned as-is.
	sub.Payload = json.RawMessage(`{"text":"fine","reply_to_msg_id":9007199254740993}`)
	decision, payload, err = engine.Decide(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, DecisionAccepted, decision.Kind())
	require.Equal(t, string(sub.Payload), string(payload))
}

func TestPolicyEngineMembershipError(t *testing.T) {
	engine := NewPolicyEngine(PolicyConfig{
		Membership: func(ctx context.Context, userID string, ch Channel) (bool, error) {
			return false, context.DeadlineExceeded
		},
	})

	_, _, err := engine.Decide(context.Background(), textSubmission("hi"))
	require.Error(t, err)
}
