// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package credentials

import (
	"context"

	"github.com/juju/errors"
	core "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
)

// KubernetesBackend keeps every credential in one opaque Secret in the
// model namespace, one data key per account.
type KubernetesBackend struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

// NewKubernetesBackend returns a Backend storing credentials in the
// named Secret.
func NewKubernetesBackend(client kubernetes.Interface, namespace, name string) (*KubernetesBackend, error) {
	if client == nil {
		return nil, errors.NotValidf("nil client")
	}
	if namespace == "" || name == "" {
		return nil, errors.NotValidf("secret %q in namespace %q", name, namespace)
	}
	return &KubernetesBackend{client: client, namespace: namespace, name: name}, nil
}

func dataKey(username string) string {
	return username + "-password"
}

// Get is part of the Backend interface.
func (b *KubernetesBackend) Get(ctx context.Context, username string) (credential.Credential, error) {
	secret, err := b.client.CoreV1().Secrets(b.namespace).Get(ctx, b.name, v1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return credential.Credential{}, errors.NotFoundf("%s credential", username)
	} else if err != nil {
		return credential.Credential{}, errors.Annotatef(err, "reading secret %q", b.name)
	}
	password, ok := secret.Data[dataKey(username)]
	if !ok || len(password) == 0 {
		return credential.Credential{}, errors.NotFoundf("%s credential", username)
	}
	return credential.Credential{
		Username: username,
		Password: string(password),
		Scope:    credential.DefaultScope(username),
	}, nil
}

// Set is part of the Backend interface.
func (b *KubernetesBackend) Set(ctx context.Context, cred credential.Credential) error {
	if err := cred.Validate(); err != nil {
		return errors.Trace(err)
	}
	secrets := b.client.CoreV1().Secrets(b.namespace)
	secret, err := secrets.Get(ctx, b.name, v1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		_, err = secrets.Create(ctx, &core.Secret{
			ObjectMeta: v1.ObjectMeta{
				Name:      b.name,
				Namespace: b.namespace,
				Labels:    map[string]string{"app.kubernetes.io/managed-by": "mysql-agent"},
			},
			Type: core.SecretTypeOpaque,
			Data: map[string][]byte{dataKey(cred.Username): []byte(cred.Password)},
		}, v1.CreateOptions{})
		return errors.Annotatef(err, "creating secret %q", b.name)
	} else if err != nil {
		return errors.Annotatef(err, "reading secret %q", b.name)
	}
	if secret.Data == nil {
		secret.Data = make(map[string][]byte)
	}
	secret.Data[dataKey(cred.Username)] = []byte(cred.Password)
	_, err = secrets.Update(ctx, secret, v1.UpdateOptions{})
	return errors.Annotatef(err, "updating secret %q", b.name)
}
