// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package credentials

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
)

// VaultConfig locates the credentials in a Vault KV version 2 engine.
type VaultConfig struct {
	Client *api.Client

	// Mount is the path the KV engine is mounted at.
	Mount string

	// Prefix is prepended to every secret path, usually the application
	// name.
	Prefix string
}

// Validate ensures that the config is usable.
func (config VaultConfig) Validate() error {
	if config.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if config.Mount == "" {
		return errors.NotValidf("empty Mount")
	}
	return nil
}

// VaultBackend keeps each credential in its own Vault secret, out of the
// plaintext peer data.
type VaultBackend struct {
	kv     *api.KVv2
	prefix string
}

// NewVaultBackend returns a Backend storing secrets through config.
func NewVaultBackend(config VaultConfig) (*VaultBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &VaultBackend{
		kv:     config.Client.KVv2(config.Mount),
		prefix: strings.Trim(config.Prefix, "/"),
	}, nil
}

func (b *VaultBackend) secretPath(username string) string {
	return path.Join(b.prefix, username)
}

// Get is part of the Backend interface.
func (b *VaultBackend) Get(ctx context.Context, username string) (credential.Credential, error) {
	secret, err := b.kv.Get(ctx, b.secretPath(username))
	if isNotFound(err) {
		return credential.Credential{}, errors.NotFoundf("%s credential", username)
	} else if err != nil {
		return credential.Credential{}, errors.Annotatef(maybePermissionDenied(err), "reading %s credential", username)
	}
	password, _ := secret.Data["password"].(string)
	if password == "" {
		return credential.Credential{}, errors.NotFoundf("%s credential", username)
	}
	scope, _ := secret.Data["scope"].(string)
	if scope == "" {
		scope = string(credential.DefaultScope(username))
	}
	return credential.Credential{
		Username: username,
		Password: password,
		Scope:    credential.Scope(scope),
	}, nil
}

// Set is part of the Backend interface.
func (b *VaultBackend) Set(ctx context.Context, cred credential.Credential) error {
	if err := cred.Validate(); err != nil {
		return errors.Trace(err)
	}
	_, err := b.kv.Put(ctx, b.secretPath(cred.Username), map[string]any{
		"password": cred.Password,
		"scope":    string(cred.Scope),
	})
	return errors.Annotatef(maybePermissionDenied(err), "writing %s credential", cred.Username)
}

// ErrPermissionDenied is the type of errors caused by a Vault policy
// refusing access.
const ErrPermissionDenied = errors.ConstError("permission denied")

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, api.ErrSecretNotFound) {
		return true
	}
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

func maybePermissionDenied(err error) error {
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
		return errors.WithType(err, ErrPermissionDenied)
	}
	return err
}
