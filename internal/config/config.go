// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the charm configuration surface. Values are read
// when the instance is configured, never at reconciliation decision
// points.
package config

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/juju/environschema.v1"
)

const (
	ClusterNameKey        = "cluster-name"
	ProfileKey            = "profile"
	ProfileLimitMemoryKey = "profile-limit-memory"
	MaxMembersKey         = "max-members"
	MysqlshTimeoutKey     = "mysqlsh-timeout"
)

// Profile selects the resource footprint of mysqld.
type Profile string

const (
	ProfileProduction Profile = "production"
	ProfileTesting    Profile = "testing"
)

const (
	// DefaultMaxMembers is the group replication membership limit.
	DefaultMaxMembers = 9

	// MinProfileLimitMemory is the smallest memory limit, in MiB, mysqld
	// can run with.
	MinProfileLimitMemory = 600

	defaultMysqlshTimeout = 300
)

var configSchema = environschema.Fields{
	ClusterNameKey: {
		Description: "Name of the InnoDB cluster. Generated by the leader when empty.",
		Type:        environschema.Tstring,
		Immutable:   true,
	},
	ProfileKey: {
		Description: "Resource profile, production or testing.",
		Type:        environschema.Tstring,
		Values:      []any{string(ProfileProduction), string(ProfileTesting)},
	},
	ProfileLimitMemoryKey: {
		Description: "Memory, in MiB, mysqld may use. Defaults to the container limit.",
		Type:        environschema.Tint,
	},
	MaxMembersKey: {
		Description: "Units beyond this many stay on standby outside the cluster.",
		Type:        environschema.Tint,
	},
	MysqlshTimeoutKey: {
		Description: "Seconds a single cluster operation may take.",
		Type:        environschema.Tint,
	},
}

var configDefaults = schema.Defaults{
	ClusterNameKey:        "",
	ProfileKey:            string(ProfileProduction),
	ProfileLimitMemoryKey: schema.Omit,
	MaxMembersKey:         DefaultMaxMembers,
	MysqlshTimeoutKey:     defaultMysqlshTimeout,
}

var configFields = func() schema.Fields {
	fs, _, err := configSchema.ValidationSchema()
	if err != nil {
		panic(err)
	}
	return fs
}()

// Schema returns the configuration fields, for documentation and for
// the charm metadata generator.
func Schema() environschema.Fields {
	return configSchema
}

// Config is the validated charm configuration.
type Config struct {
	ClusterName string
	Profile     Profile

	// ProfileLimitMemory is in MiB; zero means the container limit.
	ProfileLimitMemory int

	MaxMembers     int
	MysqlshTimeout time.Duration
}

// Default returns the configuration of a fresh deployment.
func Default() Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Parse coerces raw charm config into a Config.
func Parse(attrs map[string]any) (Config, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	coerced, err := schema.FieldMap(configFields, configDefaults).Coerce(attrs, nil)
	if err != nil {
		return Config{}, errors.NewNotValid(err, "charm config")
	}
	valid := coerced.(map[string]any)
	cfg := Config{
		ClusterName:    valid[ClusterNameKey].(string),
		Profile:        Profile(valid[ProfileKey].(string)),
		MaxMembers:     valid[MaxMembersKey].(int),
		MysqlshTimeout: time.Duration(valid[MysqlshTimeoutKey].(int)) * time.Second,
	}
	if v, ok := valid[ProfileLimitMemoryKey].(int); ok {
		cfg.ProfileLimitMemory = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate returns an error satisfying errors.NotValid when the config
// cannot be applied.
func (c Config) Validate() error {
	switch c.Profile {
	case ProfileProduction, ProfileTesting:
	default:
		return errors.NotValidf("profile %q", c.Profile)
	}
	if c.ProfileLimitMemory != 0 && c.ProfileLimitMemory < MinProfileLimitMemory {
		return errors.NotValidf("%s %d (minimum %d)", ProfileLimitMemoryKey, c.ProfileLimitMemory, MinProfileLimitMemory)
	}
	if c.MaxMembers < 1 || c.MaxMembers > DefaultMaxMembers {
		return errors.NotValidf("%s %d (must be between 1 and %d)", MaxMembersKey, c.MaxMembers, DefaultMaxMembers)
	}
	if c.MysqlshTimeout <= 0 {
		return errors.NotValidf("non-positive %s", MysqlshTimeoutKey)
	}
	return nil
}

// ValidateChange returns an error when newCfg alters an immutable field
// of old.
func ValidateChange(old, newCfg Config) error {
	if old.ClusterName != "" && newCfg.ClusterName != old.ClusterName {
		return errors.NotValidf("change of immutable field %q", ClusterNameKey)
	}
	return nil
}

// MemoryChanged reports whether moving from old to c changes the memory
// settings of mysqld, which needs a restart.
func (c Config) MemoryChanged(old Config) bool {
	return c.Profile != old.Profile || c.ProfileLimitMemory != old.ProfileLimitMemory
}
