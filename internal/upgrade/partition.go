// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrade

import (
	"context"

	"github.com/juju/errors"
	apps "k8s.io/api/apps/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	k8sretry "k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"
)

// Partitioner controls which pods of the application a refresh rolls
// out to: only pods with an ordinal at or above the partition are
// replaced.
type Partitioner interface {
	Partition(ctx context.Context) (int32, error)
	SetPartition(ctx context.Context, partition int32) error
}

// StatefulSetPartitioner sets the rolling update partition of the
// application's StatefulSet.
type StatefulSetPartitioner struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

// NewStatefulSetPartitioner returns a Partitioner for the named
// StatefulSet.
func NewStatefulSetPartitioner(client kubernetes.Interface, namespace, name string) *StatefulSetPartitioner {
	return &StatefulSetPartitioner{
		client:    client,
		namespace: namespace,
		name:      name,
	}
}

// Partition returns the current partition; zero when none is set.
func (p *StatefulSetPartitioner) Partition(ctx context.Context) (int32, error) {
	ss, err := p.get(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if ru := ss.Spec.UpdateStrategy.RollingUpdate; ru != nil && ru.Partition != nil {
		return *ru.Partition, nil
	}
	return 0, nil
}

// SetPartition updates the partition, retrying on write conflicts.
func (p *StatefulSetPartitioner) SetPartition(ctx context.Context, partition int32) error {
	if partition < 0 {
		return errors.NotValidf("negative partition %d", partition)
	}
	err := k8sretry.RetryOnConflict(k8sretry.DefaultRetry, func() error {
		ss, err := p.get(ctx)
		if err != nil {
			return err
		}
		if ss.Spec.UpdateStrategy.Type == apps.OnDeleteStatefulSetStrategyType {
			return errors.NotSupportedf("partition with %q update strategy", ss.Spec.UpdateStrategy.Type)
		}
		ss.Spec.UpdateStrategy.Type = apps.RollingUpdateStatefulSetStrategyType
		if ss.Spec.UpdateStrategy.RollingUpdate == nil {
			ss.Spec.UpdateStrategy.RollingUpdate = &apps.RollingUpdateStatefulSetStrategy{}
		}
		ss.Spec.UpdateStrategy.RollingUpdate.Partition = ptr.To(partition)
		_, err = p.client.AppsV1().StatefulSets(p.namespace).Update(ctx, ss, v1.UpdateOptions{})
		return err
	})
	if err != nil {
		return errors.Annotatef(err, "setting partition of stateful set %q", p.name)
	}
	logger.Infof("partition of stateful set %q set to %d", p.name, partition)
	return nil
}

func (p *StatefulSetPartitioner) get(ctx context.Context) (*apps.StatefulSet, error) {
	ss, err := p.client.AppsV1().StatefulSets(p.namespace).Get(ctx, p.name, v1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil, errors.NotFoundf("stateful set %q", p.name)
	}
	return ss, errors.Trace(err)
}
