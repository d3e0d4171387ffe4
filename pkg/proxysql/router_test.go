package proxysql

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAdmin struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (a *recordingAdmin) Exec(ctx context.Context, proxyID string, stmts ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, stmts)
	return a.err
}

func (a *recordingAdmin) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.calls {
		out = append(out, c...)
	}
	return out
}

func TestEveryMutationIsPersisted(t *testing.T) {
	backend := Backend{Host: "mysql-c1-replica-1", Port: 3306}

	tests := []struct {
		name   string
		run    func(r *Router) error
		suffix []string
	}{
		{
			name:   "add server",
			run:    func(r *Router) error { return r.AddServer(context.Background(), "p", HostgroupRead, backend) },
			suffix: []string{"LOAD MYSQL SERVERS TO RUNTIME", "SAVE MYSQL SERVERS TO DISK"},
		},
		{
			name:   "remove server",
			run:    func(r *Router) error { return r.RemoveServer(context.Background(), "p", backend.Host) },
			suffix: []string{"LOAD MYSQL SERVERS TO RUNTIME", "SAVE MYSQL SERVERS TO DISK"},
		},
		{
			name:   "promote",
			run:    func(r *Router) error { return r.Promote(context.Background(), "p", backend) },
			suffix: []string{"LOAD MYSQL SERVERS TO RUNTIME", "SAVE MYSQL SERVERS TO DISK"},
		},
		{
			name:   "demote",
			run:    func(r *Router) error { return r.Demote(context.Background(), "p", backend) },
			suffix: []string{"LOAD MYSQL SERVERS TO RUNTIME", "SAVE MYSQL SERVERS TO DISK"},
		},
		{
			name:   "add user",
			run:    func(r *Router) error { return r.AddUser(context.Background(), "p", "app", "secret") },
			suffix: []string{"LOAD MYSQL USERS TO RUNTIME", "SAVE MYSQL USERS TO DISK"},
		},
		{
			name:   "query rules",
			run:    func(r *Router) error { return r.AddQueryRules(context.Background(), "p") },
			suffix: []string{"LOAD MYSQL QUERY RULES TO RUNTIME", "SAVE MYSQL QUERY RULES TO DISK"},
		},
		{
			name:   "monitor",
			run:    func(r *Router) error { return r.ConfigureMonitor(context.Background(), "p", "monitor", "pw") },
			suffix: []string{"LOAD MYSQL VARIABLES TO RUNTIME", "SAVE MYSQL VARIABLES TO DISK"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := &recordingAdmin{}
			require.NoError(t, tt.run(NewRouter(admin, admin)))
			stmts := admin.all()
			require.GreaterOrEqual(t, len(stmts), 3)
			assert.Equal(t, tt.suffix, stmts[len(stmts)-2:])
		})
	}
}

func TestBootstrapUsesBootstrapAdmin(t *testing.T) {
	boot := &recordingAdmin{}
	admin := &recordingAdmin{}
	r := NewRouter(boot, admin)

	require.NoError(t, r.Bootstrap(context.Background(), "p", "radmin", "s3cret"))

	assert.Empty(t, admin.all())
	stmts := boot.all()
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "'admin:admin;radmin:s3cret'")
	assert.Contains(t, stmts[0], "admin-admin_credentials")
	assert.Equal(t, "LOAD ADMIN VARIABLES TO RUNTIME", stmts[1])
}

func TestPromoteEmptiesWriteGroupFirst(t *testing.T) {
	admin := &recordingAdmin{}
	r := NewRouter(admin, admin)

	require.NoError(t, r.Promote(context.Background(), "p", Backend{Host: "mysql-c1-replica-2", Port: 3306}))

	stmts := admin.all()
	assert.Equal(t, "DELETE FROM mysql_servers WHERE hostgroup_id=10", stmts[0])
	assert.Contains(t, stmts[1], "hostname='mysql-c1-replica-2' AND hostgroup_id=20")
	assert.Equal(t, "REPLACE INTO mysql_servers (hostgroup_id, hostname, port, weight) VALUES (10, 'mysql-c1-replica-2', 3306, 1)", stmts[2])
}

func TestDemoteMovesToReadGroup(t *testing.T) {
	admin := &recordingAdmin{}
	r := NewRouter(admin, admin)

	require.NoError(t, r.Demote(context.Background(), "p", Backend{Host: "mysql-c1-master", Port: 3306, Weight: 5}))

	stmts := admin.all()
	assert.Contains(t, stmts[0], "hostname='mysql-c1-master' AND hostgroup_id=10")
	assert.Equal(t, "REPLACE INTO mysql_servers (hostgroup_id, hostname, port, weight) VALUES (20, 'mysql-c1-master', 3306, 5)", stmts[1])
}

func TestQueryRules(t *testing.T) {
	admin := &recordingAdmin{}
	r := NewRouter(admin, admin)

	require.NoError(t, r.AddQueryRules(context.Background(), "p"))

	stmts := admin.all()
	assert.Contains(t, stmts[1], "'^SELECT.*FOR UPDATE', 10")
	assert.Contains(t, stmts[2], "'^SELECT', 20")
}

func TestConfigureCluster(t *testing.T) {
	admin := &recordingAdmin{}
	r := NewRouter(admin, admin)

	err := r.ConfigureCluster(context.Background(), "p", ClusterConfig{
		Primary:         Backend{Host: "mysql-c1-master", Port: 3306},
		Replicas:        []Backend{{Host: "mysql-c1-replica-1", Port: 3306}, {Host: "mysql-c1-replica-2", Port: 3306}},
		AppUser:         "app",
		AppPassword:     "it's",
		MonitorUser:     "monitor",
		MonitorPassword: "m",
	})
	require.NoError(t, err)

	var writes, reads int
	for _, s := range admin.all() {
		switch {
		case strings.Contains(s, "VALUES (10, "):
			writes++
		case strings.Contains(s, "VALUES (20, "):
			reads++
		case strings.HasPrefix(s, "REPLACE INTO mysql_users"):
			assert.Contains(t, s, "'it''s'")
		}
	}
	assert.Equal(t, 1, writes)
	assert.Equal(t, 2, reads)
}

func TestConfigureClusterStopsAtFirstError(t *testing.T) {
	admin := &recordingAdmin{err: errors.New("admin down")}
	r := NewRouter(admin, admin)

	err := r.ConfigureCluster(context.Background(), "p", ClusterConfig{
		Primary: Backend{Host: "mysql-c1-master", Port: 3306},
		AppUser: "app",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary")
	assert.Len(t, admin.calls, 1)
}
