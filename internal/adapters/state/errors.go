package state

import (
	"fmt"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

// prepareStash validates a stash request and encodes its payload.
func prepareStash(expected core.RoutingState, actions []core.StashedAction) ([]byte, string, error) {
	if !expected.IsEmpty() {
		return nil, "", core.ErrValidation(core.CodeInvalidRule, "compare-and-stash expects an empty state")
	}
	if err := core.ValidateStash(actions); err != nil {
		return nil, "", err
	}
	return core.EncodeActions(actions)
}

func requireStashed(expected core.RoutingState) error {
	if expected.IsEmpty() {
		return core.ErrValidation(core.CodeStashEmpty, "compare-and-clear expects a stashed state")
	}
	return nil
}

func stashChanged(id core.WorkloadID, expected, current int64) *core.DomainError {
	return core.ErrConflict(core.CodeStashChanged,
		fmt.Sprintf("routing state changed (expected version %d, found %d)", expected, current)).
		WithDetail("workload", string(id))
}

func leaseHeld(held core.Lease) *core.DomainError {
	return core.ErrConflict(core.CodeLeaseHeld, "resume lease is held").
		WithDetail("workload", string(held.WorkloadID)).
		WithDetail("execution_id", held.ExecutionID).
		WithDetail("expires_at", held.ExpiresAt)
}

func leaseLost(lease core.Lease) *core.DomainError {
	return core.ErrConflict(core.CodeLeaseLost, "resume lease is no longer owned").
		WithDetail("workload", string(lease.WorkloadID)).
		WithDetail("execution_id", lease.ExecutionID)
}
