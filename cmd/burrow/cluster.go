package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage MySQL clusters",
}

func init() {
	clusterCmd.PersistentFlags().String("api", envOr("BURROW_API", "localhost:8080"), "Burrow API address")
	clusterCmd.PersistentFlags().String("owner", envOr("BURROW_OWNER", currentUser()), "Owner identity sent to the API")
	clusterCmd.PersistentFlags().BoolP("output-json", "j", false, "Print raw JSON")

	clusterCreateCmd.Flags().IntP("replicas", "r", 1, "Number of replicas")
	clusterCreateCmd.Flags().String("version", "", "MySQL version (default from server config)")
	clusterCreateCmd.Flags().String("description", "", "Free-form description")
	clusterCreateCmd.Flags().Bool("registrar", false, "Register the cluster with the topology registrar")
	clusterCreateCmd.Flags().Float64("cpus", 0, "CPU cores per database node")
	clusterCreateCmd.Flags().String("memory", "", "Memory per database node (e.g. 2G)")
	clusterCreateCmd.Flags().String("storage", "", "Storage per database node (e.g. 20G)")
	clusterCreateCmd.Flags().Bool("wait", false, "Wait until the cluster is RUNNING")

	clusterDeleteCmd.Flags().Bool("wait", false, "Wait until the cluster is gone")
	clusterScaleCmd.Flags().Bool("wait", false, "Wait until scaling finished")

	clusterLogsCmd.Flags().String("node", "master", "Node: master, proxy or a container name")
	clusterLogsCmd.Flags().Int("tail", 100, "Number of lines")

	clusterCmd.AddCommand(
		clusterCreateCmd,
		clusterListCmd,
		clusterGetCmd,
		clusterDeleteCmd,
		clusterStartCmd,
		clusterStopCmd,
		clusterScaleCmd,
		clusterHealthCmd,
		clusterConnectionCmd,
		clusterLogsCmd,
		clusterNodesCmd,
		clusterTopologyCmd,
		clusterTakeoverCmd,
	)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("api")
	owner, _ := cmd.Flags().GetString("owner")
	return client.NewClient(addr, owner)
}

func jsonOutput(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("output-json")
	return asJSON
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCluster(cmd *cobra.Command, c *types.Cluster) error {
	if jsonOutput(cmd) {
		return printJSON(c)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", c.ID)
	fmt.Fprintf(w, "Name:\t%s\n", c.Name)
	fmt.Fprintf(w, "Status:\t%s\n", statusColor(string(c.Status)))
	fmt.Fprintf(w, "Version:\t%s\n", c.Version)
	fmt.Fprintf(w, "Replicas:\t%d/%d\n", len(c.ReplicaContainerIDs), c.ReplicaCount)
	if c.ProxyPort != 0 {
		fmt.Fprintf(w, "Proxy port:\t%d\n", c.ProxyPort)
	}
	if c.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s\n", red(c.ErrorMessage))
	}
	fmt.Fprintf(w, "Created:\t%s\n", c.CreatedAt.Format(time.RFC3339))
	return w.Flush()
}

// waitFor blocks until the cluster reaches one of want
func waitFor(ctx context.Context, c *client.Client, id string, want ...types.ClusterStatus) (*types.Cluster, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Minute)
	defer cancel()
	return c.WaitForStatus(ctx, id, 2*time.Second, want...)
}

var clusterCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replicas, _ := cmd.Flags().GetInt("replicas")
		version, _ := cmd.Flags().GetString("version")
		description, _ := cmd.Flags().GetString("description")
		registrar, _ := cmd.Flags().GetBool("registrar")
		cpus, _ := cmd.Flags().GetFloat64("cpus")
		memory, _ := cmd.Flags().GetString("memory")
		storage, _ := cmd.Flags().GetString("storage")
		wait, _ := cmd.Flags().GetBool("wait")

		res := types.NodeResources{CPUCores: cpus, Memory: memory, Storage: storage}
		spec := types.ClusterSpec{
			Name:            args[0],
			Description:     description,
			Version:         version,
			ReplicaCount:    replicas,
			EnableRegistrar: registrar,
			Master:          res,
			Replica:         res,
		}

		c := newClient(cmd)
		cluster, err := c.CreateCluster(cmd.Context(), spec)
		if err != nil {
			return err
		}
		if !jsonOutput(cmd) {
			fmt.Printf("%s Cluster %s (%s) is provisioning\n", check, cluster.Name, cluster.ID)
		}
		if wait {
			if cluster, err = waitFor(cmd.Context(), c, cluster.ID, types.ClusterStatusRunning); err != nil {
				return err
			}
		}
		return printCluster(cmd, cluster)
	},
}

var clusterListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List clusters",
	RunE: func(cmd *cobra.Command, args []string) error {
		clusters, err := newClient(cmd).ListClusters(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(clusters)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tREPLICAS\tPORT\tAGE")
		for _, c := range clusters {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
				c.ID, c.Name, statusColor(string(c.Status)),
				len(c.ReplicaContainerIDs), c.ReplicaCount, c.ProxyPort,
				time.Since(c.CreatedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var clusterGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cluster, err := newClient(cmd).GetCluster(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printCluster(cmd, cluster)
	},
}

var clusterDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a cluster and its containers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		if _, err := c.DeleteCluster(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Cluster %s is being deleted\n", check, args[0])

		wait, _ := cmd.Flags().GetBool("wait")
		if !wait {
			return nil
		}
		for {
			cluster, err := c.GetCluster(cmd.Context(), args[0])
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
					fmt.Printf("%s Cluster %s deleted\n", check, args[0])
					return nil
				}
				return err
			}
			if cluster.Status == types.ClusterStatusFailed {
				return fmt.Errorf("delete failed: %s", cluster.ErrorMessage)
			}
			time.Sleep(2 * time.Second)
		}
	},
}

var clusterStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a stopped cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cluster, err := newClient(cmd).StartCluster(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printCluster(cmd, cluster)
	},
}

var clusterStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a cluster, proxy first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cluster, err := newClient(cmd).StopCluster(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printCluster(cmd, cluster)
	},
}

var clusterScaleCmd = &cobra.Command{
	Use:   "scale ID REPLICAS",
	Short: "Change the number of replicas",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replicas, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid replica count %q", args[1])
		}

		c := newClient(cmd)
		cluster, err := c.ScaleCluster(cmd.Context(), args[0], replicas)
		if err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetBool("wait")
		if wait {
			cluster, err = waitFor(cmd.Context(), c, cluster.ID, types.ClusterStatusRunning, types.ClusterStatusDegraded)
			if err != nil {
				return err
			}
		}
		return printCluster(cmd, cluster)
	},
}

var clusterHealthCmd = &cobra.Command{
	Use:   "health ID",
	Short: "Check the health of a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := newClient(cmd).ClusterHealth(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(health)
		}

		mark := func(ok bool) string {
			if ok {
				return check
			}
			return red("✘")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Status:\t%s\n", statusColor(string(health.Status)))
		fmt.Fprintf(w, "Primary:\t%s\n", mark(health.MasterHealthy))
		fmt.Fprintf(w, "Replicas:\t%d/%d healthy\n", health.HealthyReplicas, health.RequestedReplicas)
		fmt.Fprintf(w, "Proxy:\t%s\n", mark(health.ProxyHealthy))
		return w.Flush()
	},
}

var clusterConnectionCmd = &cobra.Command{
	Use:   "connection ID",
	Short: "Show how to connect to a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient(cmd).Connection(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(info)
		}
		fmt.Printf("mysql -h %s -P %d -u %s -p'%s'\n", info.Host, info.Port, info.User, info.Password)
		return nil
	},
}

var clusterLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Print the log of one node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")
		tail, _ := cmd.Flags().GetInt("tail")
		logs, err := newClient(cmd).Logs(cmd.Context(), args[0], node, tail)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		return nil
	},
}

var clusterNodesCmd = &cobra.Command{
	Use:   "nodes ID",
	Short: "List the nodes of a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := newClient(cmd).Nodes(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(nodes)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tROLE\tSTATUS\tREAD ONLY\tCONTAINER")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%.12s\n", n.ContainerName, n.Role, n.Status, n.ReadOnly, n.ContainerID)
		}
		return w.Flush()
	},
}

var clusterTopologyCmd = &cobra.Command{
	Use:   "topology ID",
	Short: "Show the replication topology known to the registrar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instances, err := newClient(cmd).Topology(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(instances)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCE\tSOURCE\tREAD ONLY\tVALID\tLAG")
		for _, inst := range instances {
			source, lag := "-", "-"
			if !inst.IsPrimary() {
				source = inst.MasterKey.String()
			}
			if inst.SecondsBehind != nil {
				lag = fmt.Sprintf("%ds", *inst.SecondsBehind)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", inst.Key, source, inst.ReadOnly, inst.IsLastCheckValid, lag)
		}
		return w.Flush()
	},
}

var clusterTakeoverCmd = &cobra.Command{
	Use:   "takeover ID",
	Short: "Ask the registrar for a graceful primary takeover",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(cmd).Takeover(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Takeover requested for %s\n", check, args[0])
		return nil
	},
}
