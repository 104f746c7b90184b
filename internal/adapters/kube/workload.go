package kube

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

func (b *Backend) deployment(ctx context.Context, id core.WorkloadID) (*appsv1.Deployment, error) {
	key, err := b.objectKey(string(id))
	if err != nil {
		return nil, err
	}
	var d appsv1.Deployment
	if err := b.client.Get(ctx, key, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetReplicaCount sets spec.replicas, retrying on update conflicts.
func (b *Backend) SetReplicaCount(ctx context.Context, id core.WorkloadID, n int32) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		d, err := b.deployment(ctx, id)
		if err != nil {
			return err
		}
		if d.Spec.Replicas != nil && *d.Spec.Replicas == n {
			return nil
		}
		d.Spec.Replicas = ptr.To(n)
		return b.client.Update(ctx, d)
	})
	if err != nil {
		return apiError(err, id)
	}
	b.log.Info("deployment scaled", "workload", string(id), "replicas", n)
	return nil
}

// ReplicaCount returns spec.replicas; an unset value means 1.
func (b *Backend) ReplicaCount(ctx context.Context, id core.WorkloadID) (int32, error) {
	d, err := b.deployment(ctx, id)
	if err != nil {
		return 0, apiError(err, id)
	}
	return ptr.Deref(d.Spec.Replicas, 1), nil
}

// WorkloadAge returns the time since the Deployment was created.
func (b *Backend) WorkloadAge(ctx context.Context, id core.WorkloadID) (time.Duration, error) {
	d, err := b.deployment(ctx, id)
	if err != nil {
		return 0, apiError(err, id)
	}
	return b.clock.Since(d.CreationTimestamp.Time), nil
}

// WorkloadStatus reports Updating while a rollout has not converged.
func (b *Backend) WorkloadStatus(ctx context.Context, id core.WorkloadID) (core.WorkloadStatus, error) {
	d, err := b.deployment(ctx, id)
	if err != nil {
		return "", apiError(err, id)
	}
	if rollingOut(d) {
		return core.WorkloadUpdating, nil
	}
	return core.WorkloadStable, nil
}

func rollingOut(d *appsv1.Deployment) bool {
	want := ptr.Deref(d.Spec.Replicas, 1)
	st := d.Status
	return st.ObservedGeneration < d.Generation ||
		st.UpdatedReplicas < want ||
		st.Replicas > st.UpdatedReplicas
}

func apiError(err error, id core.WorkloadID) error {
	if apierrors.IsNotFound(err) {
		return core.ErrNotFound("deployment", string(id)).WithCause(err)
	}
	return core.WrapBackend(core.CodeWorkloadCall, fmt.Sprintf("deployment %s", id), err)
}
