package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// WorkloadID identifies the workload whose routing is managed.
type WorkloadID string

// RuleID identifies a layer-7 routing rule.
type RuleID string

// TargetID identifies a routing target (target group, service) the workload serves.
type TargetID string

// ActionKind is the kind of action a routing rule currently performs.
type ActionKind string

const (
	ActionForwardToReal     ActionKind = "forward_to_real"
	ActionForwardToFallback ActionKind = "forward_to_fallback"
)

// RuleAction is the current action of a routing rule. Spec holds the
// backend-specific payload verbatim so a restore reproduces it exactly.
type RuleAction struct {
	Kind   ActionKind      `json:"kind"`
	Target string          `json:"target,omitempty"`
	Spec   json.RawMessage `json:"spec,omitempty"`
}

// ForwardToReal builds an action forwarding to the real target.
func ForwardToReal(target string, spec json.RawMessage) RuleAction {
	return RuleAction{Kind: ActionForwardToReal, Target: target, Spec: spec}
}

// ForwardToFallback builds an action forwarding to the fallback handler.
func ForwardToFallback(target string) RuleAction {
	return RuleAction{Kind: ActionForwardToFallback, Target: target}
}

// IsFallback reports whether the action points at the fallback handler.
func (a RuleAction) IsFallback() bool {
	return a.Kind == ActionForwardToFallback
}

// Equal compares two actions including their opaque payload.
func (a RuleAction) Equal(b RuleAction) bool {
	return a.Kind == b.Kind && a.Target == b.Target && bytes.Equal(a.Spec, b.Spec)
}

// StashedAction records a rule's action as it was before suspension.
type StashedAction struct {
	RuleID   RuleID     `json:"rule_id"`
	Original RuleAction `json:"original"`
}

// RoutingStateKind tags the routing state variant.
type RoutingStateKind string

const (
	RoutingStateEmpty   RoutingStateKind = "empty"
	RoutingStateStashed RoutingStateKind = "stashed"
)

// RoutingState is the durable per-workload stash of pre-suspend rule actions.
// Version increases on every successful mutation and is the optimistic-lock
// token for compare-and-set; two states are the same record only if kind,
// version and checksum all match.
type RoutingState struct {
	Kind      RoutingStateKind `json:"kind"`
	Actions   []StashedAction  `json:"actions,omitempty"`
	Version   int64            `json:"version"`
	Checksum  string           `json:"checksum,omitempty"`
	UpdatedAt time.Time        `json:"updated_at,omitempty"`
}

// EmptyState returns an empty routing state at the given version.
func EmptyState(version int64) RoutingState {
	return RoutingState{Kind: RoutingStateEmpty, Version: version}
}

// IsEmpty reports whether nothing is stashed.
func (s RoutingState) IsEmpty() bool {
	return s.Kind != RoutingStateStashed
}

// SameRecord reports whether s and other denote the exact same stored record.
func (s RoutingState) SameRecord(other RoutingState) bool {
	return s.Kind == other.Kind && s.Version == other.Version && s.Checksum == other.Checksum
}

// EncodeActions serializes stashed actions and returns the payload with its checksum.
func EncodeActions(actions []StashedAction) ([]byte, string, error) {
	payload, err := json.Marshal(actions)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling stashed actions: %w", err)
	}
	return payload, ChecksumOf(payload), nil
}

// DecodeActions parses a stash payload, verifying it against checksum.
func DecodeActions(payload []byte, checksum string) ([]StashedAction, error) {
	if ChecksumOf(payload) != checksum {
		return nil, ErrInvariant(CodeStateCorrupted, "stashed routing state checksum mismatch")
	}
	var actions []StashedAction
	if err := json.Unmarshal(payload, &actions); err != nil {
		return nil, ErrInvariant(CodeStateCorrupted, "stashed routing state is not decodable").WithCause(err)
	}
	return actions, nil
}

// ChecksumOf returns the hex SHA-256 of payload.
func ChecksumOf(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// ValidateStash checks that actions form a stash worth keeping: non-empty,
// unique rule IDs, and no action already pointing at the fallback.
func ValidateStash(actions []StashedAction) error {
	if len(actions) == 0 {
		return ErrValidation(CodeInvalidRule, "refusing to stash an empty rule set")
	}
	seen := make(map[RuleID]bool, len(actions))
	for _, a := range actions {
		if a.RuleID == "" {
			return ErrValidation(CodeInvalidRule, "stashed action has no rule id")
		}
		if seen[a.RuleID] {
			return ErrValidation(CodeInvalidRule, fmt.Sprintf("rule %s stashed twice", a.RuleID))
		}
		seen[a.RuleID] = true
		if a.Original.IsFallback() {
			return ErrInvariant(CodeRuleOnFallback,
				fmt.Sprintf("rule %s already forwards to the fallback; its real action is unknown", a.RuleID))
		}
	}
	return nil
}
