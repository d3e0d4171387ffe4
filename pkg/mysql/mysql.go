// Package mysql runs administrative SQL inside MySQL containers.
//
// Statements go through the mysql client of the container itself, via the
// runtime driver's exec, authenticated as root with the password the
// container was created with. The control plane never opens a network
// connection to a database node.
package mysql

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/runtime"
)

// Port is the MySQL server port inside every database container
const Port = 3306

// BufferPoolRatio is the share of the container memory given to InnoDB
const BufferPoolRatio = 0.70

// rootEnv is the variable holding the root password inside the container
const rootEnv = "MYSQL_ROOT_PASSWORD"

// Users are the accounts created on a new primary
type Users struct {
	ReplicationUser     string
	ReplicationPassword string
	RegistrarUser       string
	RegistrarPassword   string
	AppUser             string
	AppPassword         string
	MonitorUser         string
	MonitorPassword     string
}

// BufferPoolMB returns the InnoDB buffer pool size for a memory ceiling
func BufferPoolMB(memoryBytes int64) int64 {
	return int64(float64(memoryBytes)*BufferPoolRatio) / (1024 * 1024)
}

func commonArgs(serverID int, bufferPoolMB int64) []string {
	args := []string{
		"--server-id=" + strconv.Itoa(serverID),
		"--log-bin=mysql-bin",
		"--binlog-format=ROW",
		"--gtid-mode=ON",
		"--enforce-gtid-consistency=ON",
		"--log-replica-updates=ON",
		"--skip-name-resolve",
	}
	if bufferPoolMB > 0 {
		args = append(args, fmt.Sprintf("--innodb-buffer-pool-size=%dM", bufferPoolMB))
	}
	return args
}

// PrimaryArgs are the mysqld arguments of a primary. It starts writable.
func PrimaryArgs(bufferPoolMB int64) []string {
	return append(commonArgs(1, bufferPoolMB), "--read-only=OFF")
}

// ReplicaArgs are the mysqld arguments of replica n. It starts read-only.
// super_read_only is only switched on once replication is configured: the
// image's first-boot initialisation runs as root and would be refused.
func ReplicaArgs(n int, bufferPoolMB int64) []string {
	return append(commonArgs(100+n, bufferPoolMB), "--read-only=ON")
}

// Env is the container environment of a database node
func Env(rootPassword string) []string {
	return []string{rootEnv + "=" + rootPassword}
}

// Healthcheck probes the server with mysqladmin ping
func Healthcheck() *runtime.Healthcheck {
	return &runtime.Healthcheck{
		Test:        []string{"CMD-SHELL", `mysqladmin ping -h 127.0.0.1 -uroot -p"$` + rootEnv + `" --silent`},
		Interval:    5 * time.Second,
		Timeout:     3 * time.Second,
		StartPeriod: 30 * time.Second,
		Retries:     10,
	}
}

// Quote returns s as a single-quoted SQL string literal
func Quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `''`)
	return "'" + s + "'"
}

// Client executes SQL in database containers
type Client struct {
	driver runtime.Driver
}

// NewClient creates a client over driver
func NewClient(driver runtime.Driver) *Client {
	return &Client{driver: driver}
}

// queryCmd builds the exec command. The SQL travels as $0 so it needs no
// shell quoting.
func queryCmd(sql string, vertical bool) []string {
	format := "-N -B"
	if vertical {
		format = "-E"
	}
	script := `MYSQL_PWD="$` + rootEnv + `" exec mysql -uroot -h 127.0.0.1 ` + format + ` -e "$0"`
	return []string{"sh", "-c", script, sql}
}

// Exec runs statements and returns tab-separated output without headers
func (c *Client) Exec(ctx context.Context, containerID, sql string) (string, error) {
	out, err := runtime.Run(ctx, c.driver, containerID, queryCmd(sql, false))
	if err != nil {
		return "", fmt.Errorf("mysql exec in %s: %w", containerID, err)
	}
	return out, nil
}

// SetupPrimary creates the replication, registrar, monitor and application
// accounts on a new primary
func (c *Client) SetupPrimary(ctx context.Context, containerID string, u Users) error {
	return c.run(ctx, containerID, setupPrimarySQL(u))
}

func setupPrimarySQL(u Users) string {
	var b strings.Builder
	account := func(user, password string, grants ...string) {
		fmt.Fprintf(&b, "CREATE USER IF NOT EXISTS %s@'%%' IDENTIFIED BY %s; ", Quote(user), Quote(password))
		fmt.Fprintf(&b, "ALTER USER %s@'%%' IDENTIFIED BY %s; ", Quote(user), Quote(password))
		for _, g := range grants {
			fmt.Fprintf(&b, "GRANT %s TO %s@'%%'; ", g, Quote(user))
		}
	}

	account(u.ReplicationUser, u.ReplicationPassword,
		"REPLICATION SLAVE, REPLICATION CLIENT ON *.*")
	if u.RegistrarUser != "" {
		account(u.RegistrarUser, u.RegistrarPassword,
			"SUPER, PROCESS, REPLICATION SLAVE, REPLICATION CLIENT, RELOAD ON *.*",
			"SELECT ON mysql.slave_master_info")
	}
	if u.MonitorUser != "" {
		account(u.MonitorUser, u.MonitorPassword, "USAGE, REPLICATION CLIENT ON *.*")
	}
	account(u.AppUser, u.AppPassword, "ALL PRIVILEGES ON *.*")
	b.WriteString("FLUSH PRIVILEGES;")
	return b.String()
}

// ConfigureReplica points a replica at primaryHost using GTID auto-position
// and keeps it read-only
func (c *Client) ConfigureReplica(ctx context.Context, containerID, primaryHost, user, password string) error {
	return c.run(ctx, containerID, configureReplicaSQL(primaryHost, user, password))
}

func configureReplicaSQL(primaryHost, user, password string) string {
	return fmt.Sprintf("STOP REPLICA; "+
		"CHANGE REPLICATION SOURCE TO SOURCE_HOST=%s, SOURCE_PORT=%d, SOURCE_USER=%s, SOURCE_PASSWORD=%s, "+
		"SOURCE_AUTO_POSITION=1, SOURCE_CONNECT_RETRY=10, SOURCE_RETRY_COUNT=86400, GET_SOURCE_PUBLIC_KEY=1; "+
		"START REPLICA; "+
		"SET GLOBAL read_only=ON; SET GLOBAL super_read_only=ON;",
		Quote(primaryHost), Port, Quote(user), Quote(password))
}

// SetReadOnly switches read_only and super_read_only
func (c *Client) SetReadOnly(ctx context.Context, containerID string, readOnly bool) error {
	if readOnly {
		return c.run(ctx, containerID, "SET GLOBAL read_only=ON; SET GLOBAL super_read_only=ON;")
	}
	return c.run(ctx, containerID, "SET GLOBAL super_read_only=OFF; SET GLOBAL read_only=OFF;")
}

// CloneFromPrimary replaces the data of a blank replica with a logical dump
// of primaryHost, carrying the primary's GTID state over
func (c *Client) CloneFromPrimary(ctx context.Context, containerID, primaryHost string) error {
	if _, err := runtime.Run(ctx, c.driver, containerID, cloneCmd(primaryHost)); err != nil {
		return fmt.Errorf("clone from %s into %s: %w", primaryHost, containerID, err)
	}
	return nil
}

func cloneCmd(primaryHost string) []string {
	script := `set -eo pipefail; ` +
		`export MYSQL_PWD="$` + rootEnv + `"; ` +
		`mysql -uroot -h 127.0.0.1 -e "STOP REPLICA; RESET REPLICA ALL; SET GLOBAL super_read_only=OFF; SET GLOBAL read_only=OFF; RESET MASTER;"; ` +
		`mysqldump -h "$0" -uroot --all-databases --single-transaction --triggers --routines --events --set-gtid-purged=ON ` +
		`| mysql -uroot -h 127.0.0.1`
	return []string{"bash", "-c", script, primaryHost}
}

// ReplicationStatus reads SHOW REPLICA STATUS. ok is false when the node is
// not configured as a replica.
func (c *Client) ReplicationStatus(ctx context.Context, containerID string) (*ReplicaStatus, bool, error) {
	out, err := runtime.Run(ctx, c.driver, containerID, queryCmd("SHOW REPLICA STATUS", true))
	if err != nil {
		return nil, false, fmt.Errorf("replica status in %s: %w", containerID, err)
	}
	status, ok := ParseReplicaStatus(out)
	return status, ok, nil
}

func (c *Client) run(ctx context.Context, containerID, sql string) error {
	_, err := c.Exec(ctx, containerID, sql)
	return err
}
