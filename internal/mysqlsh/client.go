// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mysqlsh

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
)

const (
	// DefaultPort is the classic protocol port.
	DefaultPort = 3306

	// DefaultSocket is the server socket inside the workload container.
	DefaultSocket = "/var/run/mysqld/mysqld.sock"

	// DefaultTimeout bounds a single mysqlsh run.
	DefaultTimeout = 5 * time.Minute
)

var validClusterName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]{0,62}$`)

// ValidateClusterName returns an error satisfying errors.NotValid when
// name cannot name an InnoDB cluster.
func ValidateClusterName(name string) error {
	if !validClusterName.MatchString(name) {
		return errors.NotValidf("cluster name %q", name)
	}
	return nil
}

// CredentialGetter returns the credential of an internal account.
type CredentialGetter interface {
	Get(ctx context.Context, username string) (credential.Credential, error)
}

// ClientConfig holds the dependencies of a Client.
type ClientConfig struct {
	Runner      Runner
	Credentials CredentialGetter

	// Host is the address of the local instance.
	Host string

	// Port and Socket default to DefaultPort and DefaultSocket.
	Port   int
	Socket string

	// Timeout bounds every call; DefaultTimeout if zero.
	Timeout time.Duration
}

// Validate ensures that the config is usable.
func (config ClientConfig) Validate() error {
	if config.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if config.Credentials == nil {
		return errors.NotValidf("nil Credentials")
	}
	if config.Host == "" {
		return errors.NotValidf("empty Host")
	}
	if config.Timeout < 0 {
		return errors.NotValidf("negative Timeout")
	}
	return nil
}

// Client implements ClusterControl on top of a Runner.
type Client struct {
	config ClientConfig
}

var _ ClusterControl = (*Client)(nil)

// NewClient returns a Client for the given config.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Socket == "" {
		config.Socket = DefaultSocket
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	return &Client{config: config}, nil
}

// ConfigureInstance is part of the ClusterControl interface.
func (c *Client) ConfigureInstance(ctx context.Context, address string) error {
	if address == "" {
		return errors.NotValidf("empty instance address")
	}
	conn, err := c.connection(ctx, credential.ServerConfigUser, address)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.run(ctx, "configure instance", configureInstanceScript(conn), nil))
}

// CreateUsers is part of the ClusterControl interface.
func (c *Client) CreateUsers(ctx context.Context, creds []credential.Credential) error {
	var root *credential.Credential
	for i, cred := range creds {
		if err := cred.Validate(); err != nil {
			return errors.Trace(err)
		}
		if cred.Username == credential.RootUser {
			root = &creds[i]
		}
	}
	if root == nil {
		return errors.NotValidf("user creation without root credential")
	}
	conn := connection{user: root.Username, password: root.Password, socket: c.config.Socket}
	var result struct {
		Created []string `json:"created"`
	}
	if err := c.run(ctx, "create users", createUsersScript(conn, creds), &result); err != nil {
		return errors.Trace(err)
	}
	if len(result.Created) > 0 {
		logger.Infof("created accounts %s", strings.Join(result.Created, ", "))
	}
	return nil
}

// SetPassword is part of the ClusterControl interface.
func (c *Client) SetPassword(ctx context.Context, cred credential.Credential) error {
	if err := cred.Validate(); err != nil {
		return errors.Trace(err)
	}
	conn, err := c.connection(ctx, credential.ServerConfigUser, c.config.Host)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.run(ctx, "set password of "+cred.Username, setPasswordScript(conn, cred), nil))
}

// CreateCluster is part of the ClusterControl interface.
func (c *Client) CreateCluster(ctx context.Context, name string, inst Instance) (Handle, error) {
	if err := ValidateClusterName(name); err != nil {
		return Handle{}, errors.Trace(err)
	}
	if err := validateInstance(inst); err != nil {
		return Handle{}, errors.Trace(err)
	}
	conn, err := c.connection(ctx, credential.ClusterAdminUser, inst.Address)
	if err != nil {
		return Handle{}, errors.Trace(err)
	}
	var result struct {
		Cluster string `json:"cluster"`
	}
	if err := c.run(ctx, "create cluster", createClusterScript(conn, name, inst, c.config.Port), &result); err != nil {
		return Handle{}, errors.Trace(err)
	}
	return Handle{Name: result.Cluster, Via: inst.Address}, nil
}

// AddInstance is part of the ClusterControl interface.
func (c *Client) AddInstance(ctx context.Context, h Handle, inst Instance) error {
	if err := validateInstance(inst); err != nil {
		return errors.Trace(err)
	}
	conn, err := c.clusterConnection(ctx, h)
	if err != nil {
		return errors.Trace(err)
	}
	target := conn
	target.host = inst.Address
	return errors.Trace(c.run(ctx, "add instance "+inst.Label, addInstanceScript(conn, h.Name, target, inst.Label), nil))
}

// RemoveInstance is part of the ClusterControl interface.
func (c *Client) RemoveInstance(ctx context.Context, h Handle, inst Instance, force bool) error {
	if err := validateInstance(inst); err != nil {
		return errors.Trace(err)
	}
	conn, err := c.clusterConnection(ctx, h)
	if err != nil {
		return errors.Trace(err)
	}
	script := removeInstanceScript(conn, h.Name, hostPort(inst.Address, c.config.Port), force)
	return errors.Trace(c.run(ctx, "remove instance "+inst.Label, script, nil))
}

// DissolveCluster is part of the ClusterControl interface.
func (c *Client) DissolveCluster(ctx context.Context, h Handle) error {
	conn, err := c.clusterConnection(ctx, h)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.run(ctx, "dissolve cluster", dissolveClusterScript(conn, h.Name), nil))
}

// Primary is part of the ClusterControl interface.
func (c *Client) Primary(ctx context.Context, h Handle) (Member, error) {
	topology, err := c.Status(ctx, h)
	if err != nil {
		return Member{}, errors.Trace(err)
	}
	primary, ok := topology.Primary()
	if !ok {
		return Member{}, errors.NotFoundf("primary of cluster %q", h.Name)
	}
	return primary, nil
}

// Status is part of the ClusterControl interface.
func (c *Client) Status(ctx context.Context, h Handle) (Topology, error) {
	conn, err := c.clusterConnection(ctx, h)
	if err != nil {
		return Topology{}, errors.Trace(err)
	}
	var raw json.RawMessage
	if err := c.run(ctx, "cluster status", statusScript(conn, h.Name), &raw); err != nil {
		return Topology{}, errors.Trace(err)
	}
	topology, err := parseStatus(raw)
	if err != nil {
		return Topology{}, retryable(err, "cluster status")
	}
	return topology, nil
}

// UpdateAllowList is part of the ClusterControl interface.
func (c *Client) UpdateAllowList(ctx context.Context, h Handle, hosts []string) error {
	if len(hosts) == 0 {
		return errors.NotValidf("empty allow-list")
	}
	conn, err := c.clusterConnection(ctx, h)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.run(ctx, "update allow-list", allowListScript(conn, h.Name, hosts), nil))
}

// SetPrimary is part of the ClusterControl interface.
func (c *Client) SetPrimary(ctx context.Context, h Handle, inst Instance) error {
	if err := validateInstance(inst); err != nil {
		return errors.Trace(err)
	}
	conn, err := c.clusterConnection(ctx, h)
	if err != nil {
		return errors.Trace(err)
	}
	script := setPrimaryScript(conn, h.Name, hostPort(inst.Address, c.config.Port))
	return errors.Trace(c.run(ctx, "set primary "+inst.Label, script, nil))
}

// RejoinInstance is part of the ClusterControl interface.
func (c *Client) RejoinInstance(ctx context.Context, h Handle, inst Instance) error {
	if err := validateInstance(inst); err != nil {
		return errors.Trace(err)
	}
	conn, err := c.clusterConnection(ctx, h)
	if err != nil {
		return errors.Trace(err)
	}
	target := conn
	target.host = inst.Address
	return errors.Trace(c.run(ctx, "rejoin instance "+inst.Label, rejoinInstanceScript(conn, h.Name, target), nil))
}

// AcquireTeardownLock is part of the ClusterControl interface.
func (c *Client) AcquireTeardownLock(ctx context.Context, primary, holder string) (bool, error) {
	if primary == "" || holder == "" {
		return false, errors.NotValidf("teardown lock without primary or holder")
	}
	conn, err := c.connection(ctx, credential.ClusterAdminUser, primary)
	if err != nil {
		return false, errors.Trace(err)
	}
	var result struct {
		Acquired bool `json:"acquired"`
	}
	if err := c.run(ctx, "acquire teardown lock", acquireTeardownLockScript(conn, holder), &result); err != nil {
		return false, errors.Trace(err)
	}
	return result.Acquired, nil
}

// ReleaseTeardownLock is part of the ClusterControl interface.
func (c *Client) ReleaseTeardownLock(ctx context.Context, primary, holder string) error {
	if primary == "" || holder == "" {
		return errors.NotValidf("teardown lock without primary or holder")
	}
	conn, err := c.connection(ctx, credential.ClusterAdminUser, primary)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.run(ctx, "release teardown lock", releaseTeardownLockScript(conn, holder), nil))
}

func (c *Client) clusterConnection(ctx context.Context, h Handle) (connection, error) {
	if err := ValidateClusterName(h.Name); err != nil {
		return connection{}, errors.Trace(err)
	}
	if h.Via == "" {
		return connection{}, errors.NotValidf("cluster %q handle without address", h.Name)
	}
	return c.connection(ctx, credential.ClusterAdminUser, h.Via)
}

func (c *Client) connection(ctx context.Context, username, host string) (connection, error) {
	cred, err := c.config.Credentials.Get(ctx, username)
	if err != nil {
		return connection{}, errors.Annotatef(err, "getting %s credential", username)
	}
	return connection{
		user:     cred.Username,
		password: cred.Password,
		host:     host,
		port:     c.config.Port,
	}, nil
}

// run executes script under the configured timeout and decodes the last
// line of its output into result, when result is not nil.
func (c *Client) run(ctx context.Context, op, script string, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	args := []string{"--no-wizard", "--python"}
	logger.Debugf("%s: mysqlsh %s", op, shellquote.Join(args...))
	out, err := c.config.Runner.Run(ctx, args, script)
	if err != nil {
		return retryable(err, op)
	}
	line := lastLine(out)
	if result == nil {
		return nil
	}
	if line == "" {
		return retryable(errors.New("no output"), op)
	}
	if err := json.Unmarshal([]byte(line), result); err != nil {
		return retryable(errors.Annotate(err, "decoding output"), op)
	}
	return nil
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func validateInstance(inst Instance) error {
	if inst.Address == "" {
		return errors.NotValidf("empty address for instance %q", inst.Label)
	}
	if inst.Label == "" {
		return errors.NotValidf("empty instance label")
	}
	return nil
}
