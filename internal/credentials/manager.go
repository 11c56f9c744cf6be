// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package credentials owns the passwords of the internal database
// accounts. Passwords are generated once, kept in a Backend and changed
// only through Rotate.
package credentials

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
)

var logger = loggo.GetLogger("mysql.credentials")

// ErrNotLeader is returned when a non-leader tries to create or change a
// credential.
const ErrNotLeader = errors.ConstError("only the leader may change credentials")

// passwordLength matches what the database accepts for every account.
const passwordLength = 24

// Backend persists credentials.
type Backend interface {
	// Get returns the stored credential, or an error satisfying
	// errors.NotFound.
	Get(ctx context.Context, username string) (credential.Credential, error)

	// Set stores cred, replacing any previous value.
	Set(ctx context.Context, cred credential.Credential) error
}

// PasswordSetter changes the password of an account in the database.
type PasswordSetter interface {
	SetPassword(ctx context.Context, cred credential.Credential) error
}

// LeadershipChecker reports whether the local unit is the leader.
type LeadershipChecker interface {
	IsLeader() (bool, error)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Backend Backend
	Leader  LeadershipChecker

	// Setter applies rotated passwords to the database. It may be nil
	// before the database exists, in which case Rotate only persists.
	Setter PasswordSetter

	// NewPassword returns a fresh password; utils.RandomPassword if nil.
	NewPassword func() (string, error)
}

// Validate ensures that the config is usable.
func (config Config) Validate() error {
	if config.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if config.Leader == nil {
		return errors.NotValidf("nil Leader")
	}
	return nil
}

// Manager generates, reads and rotates credentials.
type Manager struct {
	config Config
}

// NewManager returns a Manager for the given config.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.NewPassword == nil {
		config.NewPassword = randomPassword
	}
	return &Manager{config: config}, nil
}

func randomPassword() (string, error) {
	password, err := utils.RandomPassword()
	if err != nil {
		return "", errors.Trace(err)
	}
	if len(password) > passwordLength {
		password = password[:passwordLength]
	}
	return password, nil
}

// SetPasswordSetter installs the setter used by Rotate once the database
// is reachable.
func (m *Manager) SetPasswordSetter(setter PasswordSetter) {
	m.config.Setter = setter
}

// Get returns the credential of username.
func (m *Manager) Get(ctx context.Context, username string) (credential.Credential, error) {
	if err := credential.ValidateUsername(username); err != nil {
		return credential.Credential{}, errors.Trace(err)
	}
	cred, err := m.config.Backend.Get(ctx, username)
	return cred, errors.Trace(err)
}

// Generate returns the credential of username, creating it if it does
// not exist yet. Only the leader may create credentials.
func (m *Manager) Generate(ctx context.Context, username string) (credential.Credential, error) {
	cred, err := m.Get(ctx, username)
	if err == nil {
		return cred, nil
	} else if !errors.Is(err, errors.NotFound) {
		return credential.Credential{}, errors.Trace(err)
	}
	if err := m.checkLeader(); err != nil {
		return credential.Credential{}, errors.Trace(err)
	}
	password, err := m.config.NewPassword()
	if err != nil {
		return credential.Credential{}, errors.Annotate(err, "generating password")
	}
	cred = credential.Credential{
		Username: username,
		Password: password,
		Scope:    credential.DefaultScope(username),
	}
	if err := m.config.Backend.Set(ctx, cred); err != nil {
		return credential.Credential{}, errors.Annotatef(err, "storing %s credential", username)
	}
	logger.Infof("generated credential for %s", username)
	return cred, nil
}

// GenerateAll makes sure every internal account has a credential and
// returns them, in a stable order.
func (m *Manager) GenerateAll(ctx context.Context) ([]credential.Credential, error) {
	usernames := credential.InternalUsers.SortedValues()
	creds := make([]credential.Credential, 0, len(usernames))
	for _, username := range usernames {
		cred, err := m.Generate(ctx, username)
		if err != nil {
			return nil, errors.Trace(err)
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// All returns the credential of every internal account. It fails with
// errors.NotFound until the leader has generated them.
func (m *Manager) All(ctx context.Context) ([]credential.Credential, error) {
	usernames := credential.InternalUsers.SortedValues()
	creds := make([]credential.Credential, 0, len(usernames))
	for _, username := range usernames {
		cred, err := m.Get(ctx, username)
		if err != nil {
			return nil, errors.Trace(err)
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// Rotate changes the password of username to password, or to a fresh
// one when password is empty. Rotating to the password already stored
// changes nothing.
func (m *Manager) Rotate(ctx context.Context, username, password string) (credential.Credential, error) {
	if err := credential.ValidateUsername(username); err != nil {
		return credential.Credential{}, errors.Trace(err)
	}
	if err := m.checkLeader(); err != nil {
		return credential.Credential{}, errors.Trace(err)
	}
	current, err := m.config.Backend.Get(ctx, username)
	if err != nil && !errors.Is(err, errors.NotFound) {
		return credential.Credential{}, errors.Trace(err)
	}
	if password != "" && err == nil && current.Password == password {
		logger.Debugf("password of %s already current", username)
		return current, nil
	}
	if password == "" {
		if password, err = m.config.NewPassword(); err != nil {
			return credential.Credential{}, errors.Annotate(err, "generating password")
		}
	}
	cred := credential.Credential{
		Username: username,
		Password: password,
		Scope:    credential.DefaultScope(username),
	}
	if m.config.Setter != nil {
		if err := m.config.Setter.SetPassword(ctx, cred); err != nil {
			return credential.Credential{}, errors.Annotatef(err, "changing password of %s", username)
		}
	}
	if err := m.config.Backend.Set(ctx, cred); err != nil {
		return credential.Credential{}, errors.Annotatef(err, "storing %s credential", username)
	}
	logger.Infof("rotated credential for %s", username)
	return cred, nil
}

func (m *Manager) checkLeader() error {
	isLeader, err := m.config.Leader.IsLeader()
	if err != nil {
		return errors.Trace(err)
	}
	if !isLeader {
		return ErrNotLeader
	}
	return nil
}
