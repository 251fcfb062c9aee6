// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DecisionKind enumerates the closed set of submission outcomes.
type DecisionKind string

const (
	DecisionAccepted    DecisionKind = "accepted"
	DecisionTransformed DecisionKind = "transformed"
	DecisionRejected    DecisionKind = "rejected"
)

// Decision is the server's verdict on a submission. The fields are
// unexported and the only way to build one is through the constructors, so
// states like "rejected with a pts" cannot be expressed: pts and commit
// ids live on SubmitResponse and are populated by the coordinator only
// for committable decisions.
type Decision struct {
	kind   DecisionKind
	reason string
}

// Accepted means the payload is committed unchanged.
func Accepted() Decision { return Decision{kind: DecisionAccepted} }

// Transformed means the server altered payload or metadata before
// committing; reason explains the alteration to the submitter.
func Transformed(reason string) Decision {
	return Decision{kind: DecisionTransformed, reason: reason}
}

// Rejected means the submission is not committed and consumed no pts.
func Rejected(reason string) Decision {
	return Decision{kind: DecisionRejected, reason: reason}
}

// decisionFromStored rebuilds a Decision from its persisted ledger form.
func decisionFromStored(kind, reason string) (Decision, error) {
	switch DecisionKind(kind) {
	case DecisionAccepted:
		return Accepted(), nil
	case DecisionTransformed:
		return Transformed(reason), nil
	case DecisionRejected:
		return Rejected(reason), nil
	default:
		return Decision{}, fmt.Errorf("unknown stored decision kind %q", kind)
	}
}

func (d Decision) Kind() DecisionKind { return d.kind }

// Reason is empty for accepted decisions.
func (d Decision) Reason() string { return d.reason }

// Committable reports whether the decision produces a commit and a pts.
func (d Decision) Committable() bool {
	return d.kind == DecisionAccepted || d.kind == DecisionTransformed
}

// IsZero reports whether d was never assigned.
func (d Decision) IsZero() bool { return d.kind == "" }

type decisionPayload struct {
	Reason string `json:"reason"`
}

// MarshalJSON emits the wire form the clients expect: the accepted variant
// is the bare string "accepted"; transformed and rejected carry a reason
// object keyed by the variant name.
func (d Decision) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case DecisionAccepted:
		return json.Marshal(string(DecisionAccepted))
	case DecisionTransformed, DecisionRejected:
		return json.Marshal(map[string]decisionPayload{
			string(d.kind): {Reason: d.reason},
		})
	default:
		return nil, fmt.Errorf("cannot marshal zero Decision")
	}
}

func (d *Decision) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if DecisionKind(s) != DecisionAccepted {
			return fmt.Errorf("unknown decision variant %q", s)
		}
		*d = Accepted()
		return nil
	}

	var tagged map[string]decisionPayload
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("malformed decision: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("decision must have exactly one variant, got %d", len(tagged))
	}
	for variant, payload := range tagged {
		switch DecisionKind(variant) {
		case DecisionTransformed:
			*d = Transformed(payload.Reason)
		case DecisionRejected:
			*d = Rejected(payload.Reason)
		default:
			return fmt.Errorf("unknown decision variant %q", variant)
		}
	}
	return nil
}

// Submission is the coordinator's internal view of one client submission,
// with the authenticated identity already resolved.
type Submission struct {
	UserID          string
	SourceID        string
	LocalMessageID  int64
	Channel         Channel
	LastPts         int64
	CommandType     string
	Payload         json.RawMessage
	ClientTimestamp int64
}

// DecisionEngine validates and optionally transforms a submission before
// it becomes a commit. Implementations must be pure with respect to the
// sync stores: no counter, ledger, or log access. The returned payload is
// what gets committed; for accepted decisions it must equal the input
// payload. A non-nil error signals an infrastructure failure (e.g. a
// policy service timeout), not a verdict.
type DecisionEngine interface {
	Decide(ctx context.Context, sub *Submission) (Decision, json.RawMessage, error)
}

// MembershipChecker answers whether a user may write to a channel.
// Supplied by the auth/permission collaborator.
type MembershipChecker func(ctx context.Context, userID string, ch Channel) (bool, error)

// PolicyConfig configures the default decision engine.
type PolicyConfig struct {
	// AllowedCommandTypes restricts command types; empty allows all.
	AllowedCommandTypes []string
	// MaxPayloadBytes caps raw payload size; 0 means unlimited.
	MaxPayloadBytes int
	// RedactTerms lists substrings scrubbed from text content. A match
	// yields a transformed decision, not a rejection.
	RedactTerms []string
	// Membership, when set, gates submissions on channel membership.
	Membership MembershipChecker
}

// PolicyEngine is the default DecisionEngine: membership gate, command
// allow list, payload cap, then term redaction.
type PolicyEngine struct {
	allowed map[string]bool
	cfg     PolicyConfig
}

// NewPolicyEngine builds the default engine from cfg.
func NewPolicyEngine(cfg PolicyConfig) *PolicyEngine {
	allowed := make(map[string]bool, len(cfg.AllowedCommandTypes))
	for _, ct := range cfg.AllowedCommandTypes {
		allowed[strings.ToLower(strings.TrimSpace(ct))] = true
	}
	return &PolicyEngine{allowed: allowed, cfg: cfg}
}

// Decide implements DecisionEngine.
func (e *PolicyEngine) Decide(ctx context.Context, sub *Submission) (Decision, json.RawMessage, error) {
	if e.cfg.Membership != nil {
		member, err := e.cfg.Membership(ctx, sub.UserID, sub.Channel)
		if err != nil {
			return Decision{}, nil, fmt.Errorf("membership check: %w", err)
		}
		if !member {
			return Rejected(ReasonNotMember), nil, nil
		}
	}

	if len(e.allowed) > 0 && !e.allowed[strings.ToLower(sub.CommandType)] {
		return Rejected(ReasonUnknownCommand), nil, nil
	}

	if e.cfg.MaxPayloadBytes > 0 && len(sub.Payload) > e.cfg.MaxPayloadBytes {
		return Rejected(ReasonPayloadTooBig), nil, nil
	}

	if len(e.cfg.RedactTerms) > 0 {
		redacted, changed, err := e.redactText(sub.Payload)
		if err != nil {
			return Rejected(ReasonContentPolicy), nil, nil
		}
		if changed {
			return Transformed(ReasonRedacted), redacted, nil
		}
	}

	return Accepted(), sub.Payload, nil
}

// redactText scrubs configured terms from the payload's "text" field.
// Payloads without a string text field pass through untouched. Sibling
// fields are kept as raw bytes so the rewrite never re-encodes them; the
// payload is opaque and may hold numbers json would not round-trip.
func (e *PolicyEngine) redactText(payload json.RawMessage) (json.RawMessage, bool, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, false, err
	}
	var text string
	if err := json.Unmarshal(obj["text"], &text); err != nil {
		return payload, false, nil
	}

	scrubbed := text
	for _, term := range e.cfg.RedactTerms {
		if term == "" {
			continue
		}
		scrubbed = strings.ReplaceAll(scrubbed, term, strings.Repeat("*", len([]rune(term))))
	}
	if scrubbed == text {
		return payload, false, nil
	}

	encoded, err := json.Marshal(scrubbed)
	if err != nil {
		return nil, false, err
	}
	obj["text"] = encoded
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
