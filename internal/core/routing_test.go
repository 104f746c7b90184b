package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeActions_VerifiesChecksum(t *testing.T) {
	actions := []StashedAction{
		{RuleID: "r1", Original: ForwardToReal("svc-a", json.RawMessage(`{"port":8080}`))},
		{RuleID: "r2", Original: ForwardToReal("svc-b", nil)},
	}

	payload, sum, err := EncodeActions(actions)
	require.NoError(t, err)

	decoded, err := DecodeActions(payload, sum)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.True(t, decoded[0].Original.Equal(actions[0].Original))
	assert.True(t, decoded[1].Original.Equal(actions[1].Original))

	_, err = DecodeActions(append(payload, ' '), sum)
	require.Error(t, err)
	assert.True(t, IsInvariant(err))
}

func TestValidateStash(t *testing.T) {
	forward := ForwardToReal("svc", nil)

	tests := []struct {
		name      string
		actions   []StashedAction
		invariant bool
		wantErr   bool
	}{
		{name: "valid", actions: []StashedAction{{RuleID: "a", Original: forward}}},
		{name: "empty set", actions: nil, wantErr: true},
		{name: "missing id", actions: []StashedAction{{Original: forward}}, wantErr: true},
		{name: "duplicate", actions: []StashedAction{{RuleID: "a", Original: forward}, {RuleID: "a", Original: forward}}, wantErr: true},
		{name: "already on fallback", actions: []StashedAction{{RuleID: "a", Original: ForwardToFallback("waiter")}}, wantErr: true, invariant: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStash(tt.actions)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.invariant, IsInvariant(err))
		})
	}
}

func TestRoutingState_SameRecord(t *testing.T) {
	a := RoutingState{Kind: RoutingStateStashed, Version: 3, Checksum: "abc"}
	assert.True(t, a.SameRecord(a))
	assert.False(t, a.SameRecord(RoutingState{Kind: RoutingStateStashed, Version: 4, Checksum: "abc"}))
	assert.False(t, a.SameRecord(EmptyState(3)))
	assert.True(t, EmptyState(0).IsEmpty())
	assert.False(t, a.IsEmpty())
}

func TestStatusForPhase(t *testing.T) {
	assert.Equal(t, StatusInitial, StatusForPhase(PhaseInit))
	assert.Equal(t, StatusInitial, StatusForPhase(PhaseScaleUp))
	assert.Equal(t, StatusStarting, StatusForPhase(PhasePollHealth))
	assert.Equal(t, StatusReady, StatusForPhase(PhaseRestoreRouting))
	assert.Equal(t, StatusReady, StatusForPhase(PhaseDone))
	assert.Equal(t, "Service starting", StatusStarting.Label())
	assert.Equal(t, 3, StatusReady.Step())
}

func TestAlertFromError_InvariantIsCritical(t *testing.T) {
	err := ErrInvariant(CodeStashEmpty, "nothing to restore").WithDetail("rule", "r1")
	a := AlertFromError("wl", "resume", "restore failed", err)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, CodeStashEmpty, a.Code)
	assert.Equal(t, "r1", a.Details["rule"])

	a = AlertFromError("wl", "monitor", "metrics failed", ErrTransient(CodeMetricsQuery, "boom"))
	assert.Equal(t, SeverityWarning, a.Severity)
}
