package proxysql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/go-sql-driver/mysql"
)

// Admin executes statements against the admin interface of a proxy,
// in order, stopping at the first error
type Admin interface {
	Exec(ctx context.Context, proxyID string, stmts ...string) error
}

// ExecAdmin reaches the admin interface through the mysql client inside the
// proxy container, over 127.0.0.1
type ExecAdmin struct {
	driver   runtime.Driver
	user     string
	password string
}

// NewExecAdmin creates an ExecAdmin authenticating as user
func NewExecAdmin(driver runtime.Driver, user, password string) *ExecAdmin {
	return &ExecAdmin{driver: driver, user: user, password: password}
}

// Exec runs all statements in one client invocation
func (a *ExecAdmin) Exec(ctx context.Context, proxyID string, stmts ...string) error {
	if len(stmts) == 0 {
		return nil
	}
	if _, err := runtime.Run(ctx, a.driver, proxyID, a.cmd(joinStatements(stmts))); err != nil {
		return fmt.Errorf("proxysql admin in %s: %w", proxyID, err)
	}
	return nil
}

// cmd passes SQL, user and password as positional parameters so none of
// them needs shell quoting
func (a *ExecAdmin) cmd(sql string) []string {
	script := `MYSQL_PWD="$2" exec mysql -h 127.0.0.1 -P ` + strconv.Itoa(AdminPort) + ` -u "$1" -N -B -e "$0"`
	return []string{"sh", "-c", script, sql, a.user, a.password}
}

func joinStatements(stmts []string) string {
	return strings.Join(stmts, ";\n") + ";"
}

// SQLAdmin connects to the admin port over the network with
// go-sql-driver/mysql. The proxy address comes from the runtime.
type SQLAdmin struct {
	driver   runtime.Driver
	network  string
	user     string
	password string
	timeout  time.Duration
	open     func(dsn string) (*sql.DB, error)
}

// NewSQLAdmin creates an SQLAdmin. network selects which container address
// to dial when the proxy has several; empty picks any.
func NewSQLAdmin(driver runtime.Driver, network, user, password string) *SQLAdmin {
	return &SQLAdmin{
		driver:   driver,
		network:  network,
		user:     user,
		password: password,
		timeout:  10 * time.Second,
		open:     func(dsn string) (*sql.DB, error) { return sql.Open("mysql", dsn) },
	}
}

// DSN builds the admin data source name for addr
func (a *SQLAdmin) DSN(addr string) string {
	cfg := mysql.NewConfig()
	cfg.User = a.user
	cfg.Passwd = a.password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.Timeout = a.timeout
	cfg.ReadTimeout = a.timeout
	cfg.WriteTimeout = a.timeout
	// the admin interface does not implement prepared statements
	cfg.InterpolateParams = true
	return cfg.FormatDSN()
}

// Exec runs the statements one by one on a single connection
func (a *SQLAdmin) Exec(ctx context.Context, proxyID string, stmts ...string) error {
	if len(stmts) == 0 {
		return nil
	}
	addr, err := a.addr(ctx, proxyID)
	if err != nil {
		return err
	}

	db, err := a.open(a.DSN(addr))
	if err != nil {
		return fmt.Errorf("open proxysql admin %s: %w", addr, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("connect proxysql admin %s: %w", addr, err)
	}
	defer conn.Close()

	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("proxysql admin %s: %q: %w", addr, stmt, err)
		}
	}
	return nil
}

func (a *SQLAdmin) addr(ctx context.Context, proxyID string) (string, error) {
	state, err := a.driver.Inspect(ctx, proxyID)
	if err != nil {
		return "", fmt.Errorf("inspect proxy %s: %w", proxyID, err)
	}
	ip := state.IPs[a.network]
	if ip == "" {
		for _, v := range state.IPs {
			if v != "" {
				ip = v
				break
			}
		}
	}
	if ip == "" {
		return "", fmt.Errorf("proxy %s has no address", proxyID)
	}
	return net.JoinHostPort(ip, strconv.Itoa(AdminPort)), nil
}
