// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
)

// kvServer serves the subset of the KV version 2 API the backend uses.
type kvServer struct {
	mu      sync.Mutex
	secrets map[string]map[string]any
	deny    bool
}

func (s *kvServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if s.deny {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors": ["permission denied"]}`))
		return
	}
	const prefix = "/v1/secret/data/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors": []}`))
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)
	metadata := map[string]any{"version": 1, "created_time": "2026-03-01T12:00:00Z"}
	switch r.Method {
	case http.MethodGet:
		data, ok := s.secrets[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors": []}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"data": data, "metadata": metadata},
		})
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.secrets[key] = body.Data
		_ = json.NewEncoder(w).Encode(map[string]any{"data": metadata})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type vaultSuite struct {
	testing.IsolationSuite

	kv      *kvServer
	backend *VaultBackend
}

var _ = gc.Suite(&vaultSuite{})

func (s *vaultSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.kv = &kvServer{secrets: make(map[string]map[string]any)}
	srv := httptest.NewServer(s.kv)
	s.AddCleanup(func(*gc.C) { srv.Close() })

	cfg := api.DefaultConfig()
	cfg.Address = srv.URL
	client, err := api.NewClient(cfg)
	c.Assert(err, jc.ErrorIsNil)
	client.SetToken("test-token")

	s.backend, err = NewVaultBackend(VaultConfig{
		Client: client,
		Mount:  "secret",
		Prefix: "/mysql/",
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *vaultSuite) TestValidate(c *gc.C) {
	_, err := NewVaultBackend(VaultConfig{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *vaultSuite) TestGetMissing(c *gc.C) {
	_, err := s.backend.Get(context.Background(), credential.RootUser)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *vaultSuite) TestSetGet(c *gc.C) {
	ctx := context.Background()
	cred := credential.Credential{
		Username: credential.BackupsUser,
		Password: "b4ckup",
		Scope:    credential.ScopeLocal,
	}
	c.Assert(s.backend.Set(ctx, cred), jc.ErrorIsNil)
	c.Assert(s.kv.secrets["mysql/backups"], jc.DeepEquals, map[string]any{
		"password": "b4ckup",
		"scope":    "localhost",
	})

	got, err := s.backend.Get(ctx, credential.BackupsUser)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, jc.DeepEquals, cred)
}

func (s *vaultSuite) TestPermissionDenied(c *gc.C) {
	s.kv.deny = true
	err := s.backend.Set(context.Background(), credential.Credential{
		Username: credential.RootUser,
		Password: "x",
		Scope:    credential.ScopeLocal,
	})
	c.Assert(err, jc.ErrorIs, ErrPermissionDenied)
}
