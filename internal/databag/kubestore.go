// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	core "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	// kubeStateKey is the ConfigMap data key holding the encoded state.
	kubeStateKey = "peer-data"

	kubeWriteAttempts = 5
	kubeWriteDelay    = 100 * time.Millisecond
)

// KubeStoreConfig holds the dependencies of a KubeStore.
type KubeStoreConfig struct {
	Client    kubernetes.Interface
	Namespace string
	Name      string
	Clock     clock.Clock
}

// Validate ensures that the configuration is
// correctly populated for store operation.
func (config KubeStoreConfig) Validate() error {
	if config.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if config.Namespace == "" {
		return errors.NotValidf("empty Namespace")
	}
	if config.Name == "" {
		return errors.NotValidf("empty Name")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// KubeStore is a Store kept in one ConfigMap of the model namespace, so
// every unit of the application reads and writes the same data.
//
// Each write reads the ConfigMap, checks the key's version and updates
// the ConfigMap under the resourceVersion it read. The API server
// rejects the update if anything changed meanwhile; the write is then
// retried against the fresh data, so the key-level version check is
// atomic across units.
type KubeStore struct {
	config KubeStoreConfig
}

// NewKubeStore returns a KubeStore. The ConfigMap is created on the
// first write.
func NewKubeStore(config KubeStoreConfig) (*KubeStore, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &KubeStore{config: config}, nil
}

type kubeValue struct {
	Data    string `json:"data"`
	Version int64  `json:"version"`
}

type kubeState struct {
	Revision int64                          `json:"revision"`
	Scopes   map[Scope]map[string]kubeValue `json:"scopes"`
}

func decodeKubeState(cm *core.ConfigMap) (kubeState, error) {
	st := kubeState{Scopes: make(map[Scope]map[string]kubeValue)}
	if cm == nil || cm.Data[kubeStateKey] == "" {
		return st, nil
	}
	if err := json.Unmarshal([]byte(cm.Data[kubeStateKey]), &st); err != nil {
		return kubeState{}, errors.Annotatef(err, "decoding configmap %q", cm.Name)
	}
	if st.Scopes == nil {
		st.Scopes = make(map[Scope]map[string]kubeValue)
	}
	return st, nil
}

func encodeKubeState(st kubeState) (string, error) {
	data, err := json.Marshal(st)
	return string(data), errors.Trace(err)
}

// kubeUnavailable classifies an API failure. Permission and validation
// errors need an operator; anything else is treated as the store being
// unreachable, which defers the event.
func kubeUnavailable(err error, format string, args ...any) error {
	err = errors.Annotatef(err, format, args...)
	if k8serrors.IsForbidden(errors.Cause(err)) || k8serrors.IsInvalid(errors.Cause(err)) {
		return err
	}
	return errors.WithType(err, ErrStateUnavailable)
}

// read returns the ConfigMap, nil if it does not exist yet, and the
// state it holds.
func (s *KubeStore) read(ctx context.Context) (*core.ConfigMap, kubeState, error) {
	cm, err := s.config.Client.CoreV1().ConfigMaps(s.config.Namespace).Get(ctx, s.config.Name, v1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		cm = nil
	} else if err != nil {
		return nil, kubeState{}, kubeUnavailable(err, "reading configmap %q", s.config.Name)
	}
	st, err := decodeKubeState(cm)
	return cm, st, errors.Trace(err)
}

// errWriteConflict reports that the ConfigMap changed between read and
// write.
const errWriteConflict = errors.ConstError("configmap changed concurrently")

// mutate applies fn to the current state and writes the result. When fn
// reports no change nothing is written.
func (s *KubeStore) mutate(ctx context.Context, fn func(st *kubeState) (bool, error)) error {
	configMaps := s.config.Client.CoreV1().ConfigMaps(s.config.Namespace)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			cm, st, err := s.read(ctx)
			if err != nil {
				return errors.Trace(err)
			}
			changed, err := fn(&st)
			if err != nil || !changed {
				return errors.Trace(err)
			}
			st.Revision++
			data, err := encodeKubeState(st)
			if err != nil {
				return errors.Trace(err)
			}
			if cm == nil {
				_, err = configMaps.Create(ctx, &core.ConfigMap{
					ObjectMeta: v1.ObjectMeta{
						Name:      s.config.Name,
						Namespace: s.config.Namespace,
						Labels:    map[string]string{"app.kubernetes.io/managed-by": "mysql-agent"},
					},
					Data: map[string]string{kubeStateKey: data},
				}, v1.CreateOptions{})
			} else {
				cm = cm.DeepCopy()
				if cm.Data == nil {
					cm.Data = make(map[string]string)
				}
				cm.Data[kubeStateKey] = data
				_, err = configMaps.Update(ctx, cm, v1.UpdateOptions{})
			}
			if k8serrors.IsConflict(err) || k8serrors.IsAlreadyExists(err) {
				return errors.Annotatef(errWriteConflict, "configmap %q", s.config.Name)
			} else if err != nil {
				return kubeUnavailable(err, "writing configmap %q", s.config.Name)
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errWriteConflict)
		},
		Attempts: kubeWriteAttempts,
		Delay:    kubeWriteDelay,
		Clock:    s.config.Clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = errors.WithType(retry.LastError(err), ErrStateUnavailable)
	}
	return errors.Trace(err)
}

// Get is part of the Store interface.
func (s *KubeStore) Get(ctx context.Context, scope Scope, key string) (Value, error) {
	_, st, err := s.read(ctx)
	if err != nil {
		return Value{}, errors.Trace(err)
	}
	v, ok := st.Scopes[scope][key]
	if !ok {
		return Value{}, errors.NotFoundf("%s key %q", scope, key)
	}
	return Value{Data: v.Data, Version: v.Version}, nil
}

// CompareAndSet is part of the Store interface.
func (s *KubeStore) CompareAndSet(ctx context.Context, scope Scope, key, data string, expected int64) (int64, error) {
	var version int64
	err := s.mutate(ctx, func(st *kubeState) (bool, error) {
		current := st.Scopes[scope][key]
		if expected != AnyVersion && current.Version != expected {
			return false, errors.WithType(
				errors.Errorf("%s key %q at version %d, expected %d", scope, key, current.Version, expected),
				ErrVersionConflict,
			)
		}
		if st.Scopes[scope] == nil {
			st.Scopes[scope] = make(map[string]kubeValue)
		}
		version = current.Version + 1
		st.Scopes[scope][key] = kubeValue{Data: data, Version: version}
		return true, nil
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return version, nil
}

// Delete is part of the Store interface.
func (s *KubeStore) Delete(ctx context.Context, scope Scope, key string, expected int64) error {
	return errors.Trace(s.mutate(ctx, func(st *kubeState) (bool, error) {
		current, ok := st.Scopes[scope][key]
		if !ok {
			return false, nil
		}
		if expected != AnyVersion && current.Version != expected {
			return false, errors.WithType(
				errors.Errorf("%s key %q at version %d, expected %d", scope, key, current.Version, expected),
				ErrVersionConflict,
			)
		}
		delete(st.Scopes[scope], key)
		if len(st.Scopes[scope]) == 0 {
			delete(st.Scopes, scope)
		}
		return true, nil
	}))
}

// Snapshot is part of the Store interface.
func (s *KubeStore) Snapshot(ctx context.Context) (map[Scope]map[string]string, error) {
	_, st, err := s.read(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := make(map[Scope]map[string]string, len(st.Scopes))
	for scope, values := range st.Scopes {
		if len(values) == 0 {
			continue
		}
		result[scope] = make(map[string]string, len(values))
		for k, v := range values {
			result[scope][k] = v.Data
		}
	}
	return result, nil
}

// Revision is part of the Store interface.
func (s *KubeStore) Revision(ctx context.Context) (int64, error) {
	_, st, err := s.read(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return st.Revision, nil
}
