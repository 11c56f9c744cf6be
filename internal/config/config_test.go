// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
)

type configSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) TestDefaults(c *gc.C) {
	c.Assert(config.Default(), jc.DeepEquals, config.Config{
		Profile:        config.ProfileProduction,
		MaxMembers:     9,
		MysqlshTimeout: 5 * time.Minute,
	})
}

func (s *configSuite) TestParse(c *gc.C) {
	cfg, err := config.Parse(map[string]any{
		"cluster-name":         "cluster-a",
		"profile":              "testing",
		"profile-limit-memory": 2048,
		"max-members":          3,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg, jc.DeepEquals, config.Config{
		ClusterName:        "cluster-a",
		Profile:            config.ProfileTesting,
		ProfileLimitMemory: 2048,
		MaxMembers:         3,
		MysqlshTimeout:     5 * time.Minute,
	})
}

func (s *configSuite) TestParseInvalid(c *gc.C) {
	for i, test := range []struct {
		attrs map[string]any
		err   string
	}{{
		attrs: map[string]any{"profile": "huge"},
		err:   `charm config: profile: .*huge.*`,
	}, {
		attrs: map[string]any{"profile-limit-memory": 100},
		err:   `profile-limit-memory 100 \(minimum 600\) not valid`,
	}, {
		attrs: map[string]any{"max-members": 10},
		err:   `max-members 10 \(must be between 1 and 9\) not valid`,
	}, {
		attrs: map[string]any{"mysqlsh-timeout": 0},
		err:   `non-positive mysqlsh-timeout not valid`,
	}} {
		c.Logf("test %d", i)
		_, err := config.Parse(test.attrs)
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, test.err)
	}
}

func (s *configSuite) TestValidateChange(c *gc.C) {
	old := config.Default()
	old.ClusterName = "cluster-a"
	next := old
	next.ClusterName = "cluster-b"
	c.Assert(config.ValidateChange(old, next), jc.ErrorIs, errors.NotValid)

	next = old
	next.Profile = config.ProfileTesting
	c.Assert(config.ValidateChange(old, next), jc.ErrorIsNil)
	c.Assert(next.MemoryChanged(old), jc.IsTrue)
	c.Assert(old.MemoryChanged(old), jc.IsFalse)
}

func (s *configSuite) TestReadAgentConfig(c *gc.C) {
	path := filepath.Join(c.MkDir(), "agent.yaml")
	err := os.WriteFile(path, []byte(`
unit: mysql/1
address: mysql-1.mysql-endpoints
data-dir: /var/lib/mysql-agent
namespace: db
update-status-interval: 1m
charm-config:
  profile: testing
`), 0600)
	c.Assert(err, jc.ErrorIsNil)

	cfg, err := config.ReadAgentConfig(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg.Unit, gc.Equals, "mysql/1")
	c.Assert(cfg.Application(), gc.Equals, "mysql")
	c.Assert(cfg.UpdateStatusInterval, gc.Equals, time.Minute)
	c.Assert(cfg.CredentialBackend, gc.Equals, config.BackendDatabag)
	c.Assert(cfg.PeerStore, gc.Equals, config.PeerStoreKubernetes)
	c.Assert(cfg.PeerConfigMap(), gc.Equals, "mysql-peer-data")
	c.Assert(cfg.StorePath(), gc.Equals, "/var/lib/mysql-agent/databag.db")
	c.Assert(cfg.SocketPath(), gc.Equals, "/var/lib/mysql-agent/agent.socket")
	c.Assert(cfg.StatusFile(), gc.Equals, "/var/lib/mysql-agent/status.yaml")
	c.Assert(cfg.RelationMarker(), gc.Equals, "/var/lib/mysql-agent/peer-relation")
}

func (s *configSuite) TestReadAgentConfigInvalid(c *gc.C) {
	path := filepath.Join(c.MkDir(), "agent.yaml")
	err := os.WriteFile(path, []byte("unit: mysql\naddress: x\ndata-dir: /tmp\n"), 0600)
	c.Assert(err, jc.ErrorIsNil)

	_, err = config.ReadAgentConfig(path)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, `unit name "mysql" not valid`)
}

func (s *configSuite) TestPeerStoreValidate(c *gc.C) {
	cfg := config.AgentConfig{
		Unit:              "mysql/0",
		Address:           "mysql-0.mysql-endpoints",
		DataDir:           "/var/lib/mysql-agent",
		PeerStore:         config.PeerStoreKubernetes,
		CredentialBackend: config.BackendDatabag,
	}
	c.Check(cfg.Validate(), gc.ErrorMatches, "kubernetes peer store without namespace not valid")
	cfg.Namespace = "db"
	c.Check(cfg.Validate(), jc.ErrorIsNil)
	cfg.PeerStore = config.PeerStoreLocal
	cfg.Namespace = ""
	c.Check(cfg.Validate(), jc.ErrorIsNil)
	cfg.PeerStore = "etcd"
	c.Check(cfg.Validate(), gc.ErrorMatches, `peer store "etcd" not valid`)
}

func (s *configSuite) TestS3ConfigValidate(c *gc.C) {
	cfg := config.S3Config{Bucket: "backups", AccessKey: "ak", SecretKey: "sk", URIStyle: "path"}
	c.Assert(cfg.Validate(), jc.ErrorIsNil)

	cfg.SecretKey = ""
	c.Check(cfg.Validate(), gc.ErrorMatches, `s3 bucket "backups" without access or secret key not valid`)
	cfg.SecretKey = "sk"
	cfg.URIStyle = "virtual"
	c.Check(cfg.Validate(), gc.ErrorMatches, `s3 uri-style "virtual" not valid`)
	cfg.URIStyle = ""
	cfg.BandwidthLimit = -1
	c.Check(cfg.Validate(), jc.ErrorIs, errors.NotValid)
}
