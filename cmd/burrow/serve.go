package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

// serveBindings maps config keys to serve flags
var serveBindings = map[string]string{
	"server.addr":            "addr",
	"server.grpc_addr":       "grpc-addr",
	"store.data_dir":         "data-dir",
	"runtime.driver":         "driver",
	"runtime.docker_host":    "docker-host",
	"network.advertise_host": "advertise-host",
	"log.level":              "log-level",
	"log.json":               "log-json",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the burrow control plane",
	Long: `Run the burrow control plane: the HTTP API, the registrar webhooks,
the health reconciler and the metrics collectors.

Configuration is read from --config, BURROW_* environment variables and
flags, in increasing priority.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "HTTP API listen address")
	serveCmd.Flags().String("grpc-addr", ":9090", "gRPC health listen address (empty disables)")
	serveCmd.Flags().String("data-dir", "/var/lib/burrow", "Directory for the state store and master key")
	serveCmd.Flags().String("driver", "docker", "Container driver: docker or containerd")
	serveCmd.Flags().String("docker-host", "", "Docker Engine endpoint")
	serveCmd.Flags().String("advertise-host", "", "Host name returned in connection info")
	serveCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().Bool("log-json", false, "Log as JSON")
}

func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags(), bindings)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, serveBindings)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("serve")

	components := metrics.NewComponents(Version, "store", "runtime")

	store, err := storage.NewBoltStore(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	components.Set("store", true, "")

	driver, networks, err := newDriver(cfg)
	if err != nil {
		components.Set("runtime", false, err.Error())
		return err
	}
	defer driver.Close()
	components.Set("runtime", true, "")

	mgr, err := manager.NewManager(cfg, store, driver, networks)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := mgr.ReconcileInterrupted(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to reconcile interrupted workflows")
	} else if n > 0 {
		logger.Warn().Int("clusters", n).Msg("Clusters interrupted by the previous run were marked FAILED")
	}

	recon := reconciler.NewReconciler(mgr, cfg.Timeouts.ReconcileInterval)
	recon.Start()
	components.Set("reconciler", true, "")

	clusterMetrics := manager.NewMetricsCollector(mgr)
	clusterMetrics.Start()
	stats := metrics.NewCollector(store, driver, cfg.Timeouts.StatsInterval)
	stats.Start()

	server := api.NewServer(mgr, components, cfg.Server)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("%s burrow %s serving on %s (driver %s)\n", check, Version, cfg.Server.Addr, cfg.Runtime.Driver)

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	stats.Stop()
	clusterMetrics.Stop()
	recon.Stop()
	return mgr.Shutdown()
}

// newDriver connects the configured container runtime and the network
// driver matching it
func newDriver(cfg *config.Config) (runtime.Driver, network.Driver, error) {
	switch cfg.Runtime.Driver {
	case "containerd":
		rt, err := runtime.NewContainerdRuntime(cfg.Runtime.ContainerdSock, cfg.Runtime.Namespace, filepath.Join(cfg.Store.DataDir, "logs"))
		if err != nil {
			return nil, nil, err
		}
		return rt, network.HostNetworks{}, nil
	default:
		rt, err := runtime.NewDockerRuntime(cfg.Runtime.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		return rt, network.NewDockerNetworks(rt.Client(), cfg.Network.SubnetBase), nil
	}
}
