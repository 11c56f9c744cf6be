// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mysqlsh

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
)

// teardownTask is the row of the operations table guarding unit
// teardown.
const teardownTask = "unit-teardown"

const operationsTable = "mysql.juju_units_operations"

// grants holds the privileges of every internal account except root.
var grants = map[string][]string{
	credential.ServerConfigUser: {
		"GRANT ALL ON *.* TO %s WITH GRANT OPTION",
	},
	credential.ClusterAdminUser: {
		"GRANT ALL ON *.* TO %s WITH GRANT OPTION",
	},
	credential.MonitoringUser: {
		"GRANT SYSTEM_USER, SELECT, PROCESS, SUPER, REPLICATION CLIENT, RELOAD ON *.* TO %s",
	},
	credential.BackupsUser: {
		"GRANT CONNECTION_ADMIN, BACKUP_ADMIN, PROCESS, RELOAD, LOCK TABLES, REPLICATION CLIENT ON *.* TO %s",
		"GRANT SELECT ON performance_schema.log_status TO %s",
		"GRANT SELECT ON performance_schema.keyring_component_status TO %s",
	},
}

// script accumulates the lines of a mysqlsh Python program.
type script struct {
	b strings.Builder
}

func newScript() *script {
	s := &script{}
	s.line("import json")
	return s
}

func (s *script) line(format string, args ...any) *script {
	fmt.Fprintf(&s.b, format, args...)
	s.b.WriteByte('\n')
	return s
}

// result prints the Python expression as the final JSON line.
func (s *script) result(expr string) string {
	s.line("print(json.dumps(%s))", expr)
	return s.b.String()
}

// ok ends the script with an empty JSON object.
func (s *script) ok() string {
	return s.result("{}")
}

// pyString renders a Python string literal. JSON string escapes are
// valid Python.
func pyString(v string) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func pyStrings(vs []string) string {
	quoted := make([]string, len(vs))
	for i, v := range vs {
		quoted[i] = pyString(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// connection is the Python dict shell.connect takes.
type connection struct {
	user     string
	password string
	host     string
	port     int
	socket   string
}

func (c connection) String() string {
	parts := []string{
		`"user": ` + pyString(c.user),
		`"password": ` + pyString(c.password),
	}
	if c.socket != "" {
		parts = append(parts, `"socket": `+pyString(c.socket))
	} else {
		parts = append(parts, `"host": `+pyString(c.host), `"port": `+strconv.Itoa(c.port))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// account renders 'user'@'host'. Account names come from the fixed set of
// internal users, never from input.
func account(cred credential.Credential) string {
	return fmt.Sprintf("'%s'@'%s'", cred.Username, cred.Scope)
}

func configureInstanceScript(conn connection) string {
	return newScript().
		line("shell.connect(%s)", conn).
		line(`dba.configure_instance(None, {"restart": True})`).
		ok()
}

func createUsersScript(root connection, creds []credential.Credential) string {
	s := newScript()
	// A fresh instance lets root in through the socket without a
	// password; set it on first use.
	anonymousRoot := root
	anonymousRoot.password = ""
	s.line("try:")
	s.line("    shell.connect(%s)", root)
	s.line("except Exception:")
	s.line("    shell.connect(%s)", anonymousRoot)
	s.line(`    session.run_sql("ALTER USER 'root'@'localhost' IDENTIFIED BY ?", [%s])`, pyString(root.password))
	s.line("created = []")
	for _, cred := range creds {
		if cred.Username == credential.RootUser {
			continue
		}
		acct := account(cred)
		s.line(`if session.run_sql("SELECT COUNT(*) FROM mysql.user WHERE user = ? AND host = ?", [%s, %s]).fetch_one()[0] == 0:`,
			pyString(cred.Username), pyString(string(cred.Scope)))
		s.line(`    session.run_sql("CREATE USER %s IDENTIFIED BY ?", [%s])`, acct, pyString(cred.Password))
		for _, grant := range grants[cred.Username] {
			s.line(`    session.run_sql(%s)`, pyString(fmt.Sprintf(grant, acct)))
		}
		s.line(`    created.append(%s)`, pyString(cred.Username))
	}
	s.line(`session.run_sql("FLUSH PRIVILEGES")`)
	return s.result(`{"created": created}`)
}

func setPasswordScript(conn connection, cred credential.Credential) string {
	return newScript().
		line("shell.connect_to_primary(%s)", conn).
		line(`session.run_sql("ALTER USER %s IDENTIFIED BY ?", [%s])`, account(cred), pyString(cred.Password)).
		ok()
}

func createClusterScript(conn connection, name string, inst Instance, port int) string {
	return newScript().
		line("shell.connect(%s)", conn).
		line(`cluster = dba.create_cluster(%s, {"communicationStack": "MySQL"})`, pyString(name)).
		line(`cluster.set_instance_option(%s, "label", %s)`, pyString(hostPort(inst.Address, port)), pyString(inst.Label)).
		result(`{"cluster": cluster.get_name()}`)
}

// withCluster starts a script bound to an existing cluster.
func withCluster(conn connection, name string) *script {
	return newScript().
		line("shell.connect(%s)", conn).
		line("cluster = dba.get_cluster(%s)", pyString(name))
}

func addInstanceScript(conn connection, name string, inst connection, label string) string {
	return withCluster(conn, name).
		line(`cluster.add_instance(%s, {"recoveryMethod": "clone", "label": %s})`, inst, pyString(label)).
		ok()
}

func removeInstanceScript(conn connection, name, address string, force bool) string {
	return withCluster(conn, name).
		line(`cluster.remove_instance(%s, {"force": %s})`, pyString(address), pyBool(force)).
		ok()
}

func dissolveClusterScript(conn connection, name string) string {
	return withCluster(conn, name).
		line(`cluster.dissolve({"force": True})`).
		ok()
}

func statusScript(conn connection, name string) string {
	return withCluster(conn, name).
		result("json.loads(str(cluster.status()))")
}

func allowListScript(conn connection, name string, hosts []string) string {
	return withCluster(conn, name).
		line(`cluster.set_option("ipAllowlist", ",".join(%s))`, pyStrings(hosts)).
		ok()
}

func setPrimaryScript(conn connection, name, address string) string {
	return withCluster(conn, name).
		line("cluster.set_primary_instance(%s)", pyString(address)).
		ok()
}

func rejoinInstanceScript(conn connection, name string, inst connection) string {
	return withCluster(conn, name).
		line("cluster.rejoin_instance(%s)", inst).
		ok()
}

func acquireTeardownLockScript(conn connection, holder string) string {
	return newScript().
		line("shell.connect(%s)", conn).
		line(`session.run_sql("CREATE TABLE IF NOT EXISTS %s (task VARCHAR(20), executor VARCHAR(64), status VARCHAR(20), PRIMARY KEY(task))")`, operationsTable).
		line(`session.run_sql("INSERT IGNORE INTO %s VALUES (?, '', 'not-started')", [%s])`, operationsTable, pyString(teardownTask)).
		line(`session.run_sql("UPDATE %s SET executor = ?, status = 'in-progress' WHERE task = ? AND (executor = '' OR executor = ?)", [%s, %s, %s])`,
			operationsTable, pyString(holder), pyString(teardownTask), pyString(holder)).
		line(`row = session.run_sql("SELECT executor FROM %s WHERE task = ?", [%s]).fetch_one()`, operationsTable, pyString(teardownTask)).
		result(fmt.Sprintf(`{"acquired": row[0] == %s}`, pyString(holder)))
}

func releaseTeardownLockScript(conn connection, holder string) string {
	return newScript().
		line("shell.connect(%s)", conn).
		line(`session.run_sql("UPDATE %s SET executor = '', status = 'not-started' WHERE task = ? AND executor = ?", [%s, %s])`,
			operationsTable, pyString(teardownTask), pyString(holder)).
		ok()
}

func hostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
