// Package config loads burrow configuration.
//
// Configuration is loaded from, in increasing priority:
//  1. built-in defaults (Default)
//  2. a YAML file (--config)
//  3. BURROW_* environment variables (server.addr -> BURROW_SERVER_ADDR)
//  4. command-line flags bound by the caller
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by Load
const EnvPrefix = "BURROW"

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	MySQL     MySQLConfig     `mapstructure:"mysql" yaml:"mysql"`
	ProxySQL  ProxySQLConfig  `mapstructure:"proxysql" yaml:"proxysql"`
	Registrar RegistrarConfig `mapstructure:"registrar" yaml:"registrar"`
	Secrets   SecretsConfig   `mapstructure:"secrets" yaml:"secrets"`
	Workers   WorkersConfig   `mapstructure:"workers" yaml:"workers"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig contains the HTTP and gRPC listener settings
type ServerConfig struct {
	Addr          string        `mapstructure:"addr" yaml:"addr"`
	GRPCAddr      string        `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	WebhookRate   float64       `mapstructure:"webhook_rate" yaml:"webhook_rate"`
	WebhookBurst  int           `mapstructure:"webhook_burst" yaml:"webhook_burst"`
	WebhookSecret string        `mapstructure:"webhook_secret" yaml:"webhook_secret"`
}

// StoreConfig contains the state store location
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// RuntimeConfig selects and configures the container driver
type RuntimeConfig struct {
	Driver          string `mapstructure:"driver" yaml:"driver"` // docker or containerd
	DockerHost      string `mapstructure:"docker_host" yaml:"docker_host"`
	ContainerdSock  string `mapstructure:"containerd_socket" yaml:"containerd_socket"`
	Namespace       string `mapstructure:"namespace" yaml:"namespace"`
	StopTimeoutSecs int    `mapstructure:"stop_timeout_secs" yaml:"stop_timeout_secs"`
}

// NetworkConfig controls per-cluster networks and proxy port allocation
type NetworkConfig struct {
	SubnetBase    string `mapstructure:"subnet_base" yaml:"subnet_base"` // first two octets, e.g. "172.28"
	SharedNetwork string `mapstructure:"shared_network" yaml:"shared_network"`
	ProxyPortMin  int    `mapstructure:"proxy_port_min" yaml:"proxy_port_min"`
	ProxyPortMax  int    `mapstructure:"proxy_port_max" yaml:"proxy_port_max"`
	AdvertiseHost string `mapstructure:"advertise_host" yaml:"advertise_host"`
}

// MySQLConfig contains database image and credential settings
type MySQLConfig struct {
	Image               string              `mapstructure:"image" yaml:"image"` // repository, tag comes from the cluster version
	DefaultVersion      string              `mapstructure:"default_version" yaml:"default_version"`
	AppUser             string              `mapstructure:"app_user" yaml:"app_user"`
	ReplicationUser     string              `mapstructure:"replication_user" yaml:"replication_user"`
	ReplicationPassword string              `mapstructure:"replication_password" yaml:"replication_password"`
	MaxReplicas         int                 `mapstructure:"max_replicas" yaml:"max_replicas"`
	DefaultMaster       types.NodeResources `mapstructure:"default_master" yaml:"default_master"`
	DefaultReplica      types.NodeResources `mapstructure:"default_replica" yaml:"default_replica"`
	DefaultProxy        types.NodeResources `mapstructure:"default_proxy" yaml:"default_proxy"`
}

// ProxySQLConfig contains traffic router settings
type ProxySQLConfig struct {
	Image          string `mapstructure:"image" yaml:"image"`
	AdminMode      string `mapstructure:"admin_mode" yaml:"admin_mode"` // exec or sql
	AdminUser      string `mapstructure:"admin_user" yaml:"admin_user"`
	AdminPassword  string `mapstructure:"admin_password" yaml:"admin_password"`
	RemoteUser     string `mapstructure:"remote_user" yaml:"remote_user"`
	RemotePassword string `mapstructure:"remote_password" yaml:"remote_password"`
	MonitorUser    string `mapstructure:"monitor_user" yaml:"monitor_user"`
}

// RegistrarConfig points at the external topology registrar
type RegistrarConfig struct {
	URL      string        `mapstructure:"url" yaml:"url"`
	User     string        `mapstructure:"user" yaml:"user"`
	Password string        `mapstructure:"password" yaml:"password"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SecretsConfig holds the master key material
type SecretsConfig struct {
	MasterKey    string `mapstructure:"master_key" yaml:"master_key"`
	BasePassword string `mapstructure:"base_password" yaml:"base_password"`
}

// WorkersConfig sizes the two worker pools
type WorkersConfig struct {
	ProvisioningSize  int `mapstructure:"provisioning_size" yaml:"provisioning_size"`
	ProvisioningQueue int `mapstructure:"provisioning_queue" yaml:"provisioning_queue"`
	MonitoringSize    int `mapstructure:"monitoring_size" yaml:"monitoring_size"`
	MonitoringQueue   int `mapstructure:"monitoring_queue" yaml:"monitoring_queue"`
}

// TimeoutsConfig holds every wait and interval used by the workflows
type TimeoutsConfig struct {
	HealthPoll        time.Duration `mapstructure:"health_poll" yaml:"health_poll"`
	ProvisionHealth   time.Duration `mapstructure:"provision_health" yaml:"provision_health"`
	ScaleHealth       time.Duration `mapstructure:"scale_health" yaml:"scale_health"`
	Settle            time.Duration `mapstructure:"settle" yaml:"settle"`
	Drain             time.Duration `mapstructure:"drain" yaml:"drain"`
	ConfigCacheTTL    time.Duration `mapstructure:"config_cache_ttl" yaml:"config_cache_ttl"`
	ConfigCacheSize   int           `mapstructure:"config_cache_size" yaml:"config_cache_size"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`
	StatsInterval     time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
}

// RetryConfig holds bounded retry and circuit breaker settings
type RetryConfig struct {
	CreateAttempts    uint64        `mapstructure:"create_attempts" yaml:"create_attempts"`
	CreateBackoff     time.Duration `mapstructure:"create_backoff" yaml:"create_backoff"`
	ConfigureAttempts uint64        `mapstructure:"configure_attempts" yaml:"configure_attempts"`
	ConfigureBackoff  time.Duration `mapstructure:"configure_backoff" yaml:"configure_backoff"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerOpen       time.Duration `mapstructure:"breaker_open" yaml:"breaker_open"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			GRPCAddr:     ":9090",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			WebhookRate:  5,
			WebhookBurst: 20,
		},
		Store: StoreConfig{DataDir: "/var/lib/burrow"},
		Runtime: RuntimeConfig{
			Driver:          "docker",
			DockerHost:      "unix:///var/run/docker.sock",
			ContainerdSock:  "/run/containerd/containerd.sock",
			Namespace:       "burrow",
			StopTimeoutSecs: 30,
		},
		Network: NetworkConfig{
			SubnetBase:    "172.28",
			SharedNetwork: "burrow-shared",
			ProxyPortMin:  16033,
			ProxyPortMax:  16999,
			AdvertiseHost: "127.0.0.1",
		},
		MySQL: MySQLConfig{
			Image:               "mysql",
			DefaultVersion:      "8.0",
			AppUser:             "app",
			ReplicationUser:     "repl",
			ReplicationPassword: "repl_password",
			MaxReplicas:         10,
			DefaultMaster:       types.NodeResources{CPUCores: 1, Memory: "1G", Storage: "10G"},
			DefaultReplica:      types.NodeResources{CPUCores: 1, Memory: "1G", Storage: "10G"},
			DefaultProxy:        types.NodeResources{CPUCores: 0.5, Memory: "256M", Storage: "1G"},
		},
		ProxySQL: ProxySQLConfig{
			Image:          "proxysql/proxysql:2.6.3",
			AdminMode:      "exec",
			AdminUser:      "admin",
			AdminPassword:  "admin",
			RemoteUser:     "radmin",
			RemotePassword: "radmin",
			MonitorUser:    "monitor",
		},
		Registrar: RegistrarConfig{
			User:     "orchestrator",
			Password: "orch_password",
			Timeout:  10 * time.Second,
		},
		Workers: WorkersConfig{
			ProvisioningSize:  4,
			ProvisioningQueue: 32,
			MonitoringSize:    16,
			MonitoringQueue:   256,
		},
		Timeouts: TimeoutsConfig{
			HealthPoll:        5 * time.Second,
			ProvisionHealth:   300 * time.Second,
			ScaleHealth:       300 * time.Second,
			Settle:            30 * time.Second,
			Drain:             5 * time.Second,
			ConfigCacheTTL:    30 * time.Minute,
			ConfigCacheSize:   256,
			ReconcileInterval: 30 * time.Second,
			StatsInterval:     15 * time.Second,
		},
		Retry: RetryConfig{
			CreateAttempts:    3,
			CreateBackoff:     2 * time.Second,
			ConfigureAttempts: 3,
			ConfigureBackoff:  10 * time.Second,
			BreakerFailures:   5,
			BreakerOpen:       60 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds a Config from defaults, an optional YAML file, the environment
// and flags. bindings maps a config key (e.g. "server.addr") to a flag name.
func Load(path string, flags *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	v := viper.New()

	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for key, name := range bindings {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key of def with viper, so that environment
// variables are honoured for keys absent from the config file.
func setDefaults(v *viper.Viper, def *Config) {
	var tree map[string]any
	data, _ := yaml.Marshal(def)
	_ = yaml.Unmarshal(data, &tree)
	walkDefaults(v, "", tree)
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error

	if c.Store.DataDir == "" {
		errs = append(errs, errors.New("store.data_dir must not be empty"))
	}
	switch c.Runtime.Driver {
	case "docker", "containerd":
	default:
		errs = append(errs, fmt.Errorf("runtime.driver must be docker or containerd, got %q", c.Runtime.Driver))
	}
	switch c.ProxySQL.AdminMode {
	case "exec", "sql":
	default:
		errs = append(errs, fmt.Errorf("proxysql.admin_mode must be exec or sql, got %q", c.ProxySQL.AdminMode))
	}
	if c.MySQL.MaxReplicas < 0 {
		errs = append(errs, errors.New("mysql.max_replicas must not be negative"))
	}
	if c.Network.ProxyPortMin <= 0 || c.Network.ProxyPortMax < c.Network.ProxyPortMin {
		errs = append(errs, fmt.Errorf("network proxy port range %d-%d is invalid", c.Network.ProxyPortMin, c.Network.ProxyPortMax))
	}
	if parts := strings.Split(c.Network.SubnetBase, "."); len(parts) != 2 {
		errs = append(errs, fmt.Errorf("network.subnet_base must have two octets, got %q", c.Network.SubnetBase))
	}
	if c.Workers.ProvisioningSize <= 0 || c.Workers.MonitoringSize <= 0 {
		errs = append(errs, errors.New("worker pool sizes must be positive"))
	}
	if c.Workers.ProvisioningQueue <= 0 || c.Workers.MonitoringQueue <= 0 {
		errs = append(errs, errors.New("worker queue sizes must be positive"))
	}
	if c.Timeouts.HealthPoll <= 0 {
		errs = append(errs, errors.New("timeouts.health_poll must be positive"))
	}
	if c.Retry.CreateAttempts == 0 || c.Retry.ConfigureAttempts == 0 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// Write dumps the configuration as YAML
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(c)
}
