package kube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	discoveryv1 "k8s.io/api/discovery/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

// RuleID builds the id of rule index within an HTTPRoute.
func RuleID(namespace, route string, index int) core.RuleID {
	return core.RuleID(fmt.Sprintf("%s/%s/%d", namespace, route, index))
}

// ParseRuleID splits "namespace/route/index".
func ParseRuleID(id core.RuleID) (types.NamespacedName, int, error) {
	parts := strings.Split(string(id), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return types.NamespacedName{}, 0, core.ErrValidation(core.CodeInvalidRule,
			fmt.Sprintf("rule id %q is not namespace/route/index", id))
	}
	index, err := strconv.Atoi(parts[2])
	if err != nil || index < 0 {
		return types.NamespacedName{}, 0, core.ErrValidation(core.CodeInvalidRule,
			fmt.Sprintf("rule id %q has an invalid index", id))
	}
	return types.NamespacedName{Namespace: parts[0], Name: parts[1]}, index, nil
}

func (b *Backend) route(ctx context.Context, rule core.RuleID) (*gatewayv1.HTTPRoute, int, error) {
	key, index, err := ParseRuleID(rule)
	if err != nil {
		return nil, 0, err
	}
	var route gatewayv1.HTTPRoute
	if err := b.client.Get(ctx, key, &route); err != nil {
		return nil, 0, err
	}
	if index >= len(route.Spec.Rules) {
		return nil, 0, core.ErrNotFound("httproute rule", string(rule))
	}
	return &route, index, nil
}

// RuleAction reads a rule's backendRefs. A rule sending everything to the
// fallback Service is ForwardToFallback; anything else is ForwardToReal with
// the backendRefs as the opaque payload.
func (b *Backend) RuleAction(ctx context.Context, rule core.RuleID) (core.RuleAction, error) {
	route, index, err := b.route(ctx, rule)
	if err != nil {
		return core.RuleAction{}, routerError(err, string(rule))
	}
	refs := route.Spec.Rules[index].BackendRefs
	if b.isFallback(refs) {
		return core.ForwardToFallback(b.fallback.Name), nil
	}

	spec, err := json.Marshal(refs)
	if err != nil {
		return core.RuleAction{}, fmt.Errorf("encoding backendRefs of %s: %w", rule, err)
	}
	target := ""
	if len(refs) > 0 {
		target = string(refs[0].Name)
	}
	return core.ForwardToReal(target, spec), nil
}

// SetRuleAction replaces a rule's backendRefs, retrying on update conflicts.
func (b *Backend) SetRuleAction(ctx context.Context, rule core.RuleID, action core.RuleAction) error {
	refs, err := b.backendRefs(action)
	if err != nil {
		return err
	}
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		route, index, err := b.route(ctx, rule)
		if err != nil {
			return err
		}
		route.Spec.Rules[index].BackendRefs = refs
		return b.client.Update(ctx, route)
	})
	if err != nil {
		return routerError(err, string(rule))
	}
	b.log.Info("httproute rule updated", "rule", string(rule), "action", string(action.Kind))
	return nil
}

// backendRefs points fallback actions at the configured fallback Service
// whatever their Target says.
func (b *Backend) backendRefs(action core.RuleAction) ([]gatewayv1.HTTPBackendRef, error) {
	if action.IsFallback() {
		return []gatewayv1.HTTPBackendRef{{
			BackendRef: gatewayv1.BackendRef{
				BackendObjectReference: gatewayv1.BackendObjectReference{
					Name: gatewayv1.ObjectName(b.fallback.Name),
					Port: ptr.To(gatewayv1.PortNumber(b.fallback.Port)),
				},
			},
		}}, nil
	}

	var refs []gatewayv1.HTTPBackendRef
	dec := json.NewDecoder(bytes.NewReader(action.Spec))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&refs); err != nil {
		return nil, core.ErrInvariant(core.CodeInvalidRule, "stashed backendRefs cannot be decoded").WithCause(err)
	}
	return refs, nil
}

func (b *Backend) isFallback(refs []gatewayv1.HTTPBackendRef) bool {
	if len(refs) != 1 {
		return false
	}
	ref := refs[0]
	if string(ref.Name) != b.fallback.Name {
		return false
	}
	if ref.Kind != nil && *ref.Kind != "Service" {
		return false
	}
	return ref.Port == nil || int32(*ref.Port) == b.fallback.Port
}

// ListTargetHealth reports readiness of every endpoint of the target Service.
// An endpoint with unknown readiness counts as ready.
func (b *Backend) ListTargetHealth(ctx context.Context, target core.TargetID) ([]core.MemberHealth, error) {
	key, err := b.objectKey(string(target))
	if err != nil {
		return nil, err
	}
	var slices discoveryv1.EndpointSliceList
	if err := b.client.List(ctx, &slices,
		client.InNamespace(key.Namespace),
		client.MatchingLabels{discoveryv1.LabelServiceName: key.Name},
	); err != nil {
		return nil, routerError(err, "endpointslices of "+key.String())
	}

	var members []core.MemberHealth
	for _, slice := range slices.Items {
		for _, ep := range slice.Endpoints {
			members = append(members, core.MemberHealth{
				ID:      endpointID(ep),
				Healthy: ptr.Deref(ep.Conditions.Ready, true),
			})
		}
	}
	return members, nil
}

func endpointID(ep discoveryv1.Endpoint) string {
	if ep.TargetRef != nil && ep.TargetRef.Name != "" {
		return ep.TargetRef.Name
	}
	if len(ep.Addresses) > 0 {
		return ep.Addresses[0]
	}
	return ""
}

func routerError(err error, what string) error {
	if apierrors.IsNotFound(err) {
		return core.ErrNotFound("httproute", what).WithCause(err)
	}
	return core.WrapBackend(core.CodeRouterCall, what, err)
}
