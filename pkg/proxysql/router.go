package proxysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// Hostgroups
const (
	HostgroupWrite = 10
	HostgroupRead  = 20
)

// Ports the proxy listens on
const (
	AdminPort = 6032
	MySQLPort = 6033
)

// Query rule IDs owned by the router
const (
	ruleSelectForUpdate = 1
	ruleSelect          = 2
)

// Backend is a MySQL server behind the proxy
type Backend struct {
	Host   string
	Port   int
	Weight int
}

// ClusterConfig is the complete routing setup of a new cluster
type ClusterConfig struct {
	Primary         Backend
	Replicas        []Backend
	AppUser         string
	AppPassword     string
	MonitorUser     string
	MonitorPassword string
}

// Router configures the routing tables of a cluster's ProxySQL instance.
// Every mutation is loaded to runtime and saved to disk.
type Router struct {
	bootstrap Admin
	admin     Admin
	logger    zerolog.Logger
}

// NewRouter creates a router. bootstrap must reach the admin interface
// with the image's default local credentials; admin is used for everything
// after Bootstrap.
func NewRouter(bootstrap, admin Admin) *Router {
	return &Router{
		bootstrap: bootstrap,
		admin:     admin,
		logger:    log.WithComponent("proxysql"),
	}
}

// Bootstrap adds a remote admin account next to the default local one
func (r *Router) Bootstrap(ctx context.Context, proxyID, remoteUser, remotePassword string) error {
	creds := fmt.Sprintf("admin:admin;%s:%s", remoteUser, remotePassword)
	return r.bootstrap.Exec(ctx, proxyID,
		fmt.Sprintf("UPDATE global_variables SET variable_value=%s WHERE variable_name='admin-admin_credentials'", quote(creds)),
		"LOAD ADMIN VARIABLES TO RUNTIME",
		"SAVE ADMIN VARIABLES TO DISK",
	)
}

func serversStmts(stmts ...string) []string {
	return append(stmts, "LOAD MYSQL SERVERS TO RUNTIME", "SAVE MYSQL SERVERS TO DISK")
}

func replaceServer(hostgroup int, b Backend) string {
	weight := b.Weight
	if weight <= 0 {
		weight = 1
	}
	return fmt.Sprintf("REPLACE INTO mysql_servers (hostgroup_id, hostname, port, weight) VALUES (%d, %s, %d, %d)",
		hostgroup, quote(b.Host), b.Port, weight)
}

// AddServer registers a backend in a hostgroup
func (r *Router) AddServer(ctx context.Context, proxyID string, hostgroup int, b Backend) error {
	r.logger.Debug().Str("host", b.Host).Int("hostgroup", hostgroup).Msg("Adding server")
	return r.admin.Exec(ctx, proxyID, serversStmts(replaceServer(hostgroup, b))...)
}

// RemoveServer removes a backend from every hostgroup
func (r *Router) RemoveServer(ctx context.Context, proxyID, host string) error {
	r.logger.Debug().Str("host", host).Msg("Removing server")
	return r.admin.Exec(ctx, proxyID, serversStmts(
		fmt.Sprintf("DELETE FROM mysql_servers WHERE hostname=%s", quote(host)),
	)...)
}

// Promote makes b the only member of the write group
func (r *Router) Promote(ctx context.Context, proxyID string, b Backend) error {
	return r.admin.Exec(ctx, proxyID, serversStmts(
		fmt.Sprintf("DELETE FROM mysql_servers WHERE hostgroup_id=%d", HostgroupWrite),
		fmt.Sprintf("DELETE FROM mysql_servers WHERE hostname=%s AND hostgroup_id=%d", quote(b.Host), HostgroupRead),
		replaceServer(HostgroupWrite, b),
	)...)
}

// Demote moves b from the write group to the read group
func (r *Router) Demote(ctx context.Context, proxyID string, b Backend) error {
	return r.admin.Exec(ctx, proxyID, serversStmts(
		fmt.Sprintf("DELETE FROM mysql_servers WHERE hostname=%s AND hostgroup_id=%d", quote(b.Host), HostgroupWrite),
		replaceServer(HostgroupRead, b),
	)...)
}

// AddUser registers a frontend user that lands on the write group
func (r *Router) AddUser(ctx context.Context, proxyID, user, password string) error {
	return r.admin.Exec(ctx, proxyID,
		fmt.Sprintf("REPLACE INTO mysql_users (username, password, default_hostgroup, transaction_persistent) VALUES (%s, %s, %d, 1)",
			quote(user), quote(password), HostgroupWrite),
		"LOAD MYSQL USERS TO RUNTIME",
		"SAVE MYSQL USERS TO DISK",
	)
}

// AddQueryRules installs read/write splitting: locking reads go to the
// write group, other SELECTs to the read group, everything else falls
// through to the user's default (write) group
func (r *Router) AddQueryRules(ctx context.Context, proxyID string) error {
	return r.admin.Exec(ctx, proxyID,
		fmt.Sprintf("DELETE FROM mysql_query_rules WHERE rule_id IN (%d, %d)", ruleSelectForUpdate, ruleSelect),
		fmt.Sprintf("INSERT INTO mysql_query_rules (rule_id, active, match_digest, destination_hostgroup, apply) VALUES (%d, 1, '^SELECT.*FOR UPDATE', %d, 1)",
			ruleSelectForUpdate, HostgroupWrite),
		fmt.Sprintf("INSERT INTO mysql_query_rules (rule_id, active, match_digest, destination_hostgroup, apply) VALUES (%d, 1, '^SELECT', %d, 1)",
			ruleSelect, HostgroupRead),
		"LOAD MYSQL QUERY RULES TO RUNTIME",
		"SAVE MYSQL QUERY RULES TO DISK",
	)
}

// ConfigureMonitor sets the account ProxySQL uses to probe backends
func (r *Router) ConfigureMonitor(ctx context.Context, proxyID, user, password string) error {
	return r.admin.Exec(ctx, proxyID,
		fmt.Sprintf("UPDATE global_variables SET variable_value=%s WHERE variable_name='mysql-monitor_username'", quote(user)),
		fmt.Sprintf("UPDATE global_variables SET variable_value=%s WHERE variable_name='mysql-monitor_password'", quote(password)),
		"LOAD MYSQL VARIABLES TO RUNTIME",
		"SAVE MYSQL VARIABLES TO DISK",
	)
}

// ConfigureCluster applies the complete routing setup of a new cluster
func (r *Router) ConfigureCluster(ctx context.Context, proxyID string, cfg ClusterConfig) error {
	if cfg.MonitorUser != "" {
		if err := r.ConfigureMonitor(ctx, proxyID, cfg.MonitorUser, cfg.MonitorPassword); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}
	if err := r.AddServer(ctx, proxyID, HostgroupWrite, cfg.Primary); err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	for _, b := range cfg.Replicas {
		if err := r.AddServer(ctx, proxyID, HostgroupRead, b); err != nil {
			return fmt.Errorf("replica %s: %w", b.Host, err)
		}
	}
	if err := r.AddUser(ctx, proxyID, cfg.AppUser, cfg.AppPassword); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	if err := r.AddQueryRules(ctx, proxyID); err != nil {
		return fmt.Errorf("query rules: %w", err)
	}
	return nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `''`)
	return "'" + s + "'"
}
