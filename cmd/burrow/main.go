package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	check  = green("✓")
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - MySQL high-availability clusters on containers",
	Long: `Burrow provisions and operates MySQL clusters made of a primary,
asynchronous replicas and a ProxySQL router, on Docker or containerd.

Run "burrow serve" to start the control plane, then use the cluster
commands to manage clusters through its API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(configCmd)
}

// statusColor highlights a cluster status for terminal output
func statusColor(status string) string {
	switch status {
	case "RUNNING":
		return green(status)
	case "FAILED":
		return red(status)
	case "DEGRADED", "PROVISIONING", "SCALING", "DELETING":
		return yellow(status)
	default:
		return status
	}
}
