// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package credentials

import (
	"context"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
)

// DatabagBackend keeps passwords in the application databag. Every unit
// can read them; only the leader can write.
type DatabagBackend struct {
	bag *databag.Databag
}

// NewDatabagBackend returns a Backend over bag.
func NewDatabagBackend(bag *databag.Databag) *DatabagBackend {
	return &DatabagBackend{bag: bag}
}

// Get is part of the Backend interface.
func (b *DatabagBackend) Get(ctx context.Context, username string) (credential.Credential, error) {
	password, err := b.bag.App().Get(ctx, databag.PasswordKey(username))
	if errors.Is(err, errors.NotFound) {
		return credential.Credential{}, errors.NotFoundf("%s credential", username)
	} else if err != nil {
		return credential.Credential{}, errors.Trace(err)
	}
	return credential.Credential{
		Username: username,
		Password: password,
		Scope:    credential.DefaultScope(username),
	}, nil
}

// Set is part of the Backend interface.
func (b *DatabagBackend) Set(ctx context.Context, cred credential.Credential) error {
	if err := cred.Validate(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.bag.App().Set(ctx, databag.PasswordKey(cred.Username), cred.Password))
}
