package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const clusterKind = "MySQLCluster"

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply cluster definitions from a YAML file",
	Long: `Apply MySQLCluster definitions from a YAML file. A file may hold
several documents separated by "---".

A cluster that does not exist yet is created; an existing cluster with the
same name is scaled to the requested replica count.

Example:
  apiVersion: burrow.cuemby.io/v1
  kind: MySQLCluster
  metadata:
    name: orders
  spec:
    version: "8.0"
    replicaCount: 2
    master:
      cpuCores: 2
      memory: 4G`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply, - for stdin (required)")
	applyCmd.Flags().String("api", envOr("BURROW_API", "localhost:8080"), "Burrow API address")
	applyCmd.Flags().String("owner", envOr("BURROW_OWNER", currentUser()), "Owner identity sent to the API")
	_ = applyCmd.MarkFlagRequired("file")
}

// ClusterResource is one MySQLCluster document
type ClusterResource struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Metadata   ResourceMetadata  `yaml:"metadata"`
	Spec       types.ClusterSpec `yaml:"spec"`
}

type ResourceMetadata struct {
	Name        string            `yaml:"name"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Description string            `yaml:"description,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	var data []byte
	var err error
	if filename == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(filename)
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	resources, err := parseResources(data)
	if err != nil {
		return err
	}

	c := newClient(cmd)
	for _, res := range resources {
		if err := applyCluster(cmd, c, res); err != nil {
			return fmt.Errorf("%s: %w", res.Metadata.Name, err)
		}
	}
	return nil
}

// parseResources decodes every document of a multi-document YAML stream
func parseResources(data []byte) ([]*ClusterResource, error) {
	var out []*ClusterResource
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var res ClusterResource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if res.Kind == "" && res.Metadata.Name == "" {
			continue
		}
		if res.Kind != clusterKind {
			return nil, fmt.Errorf("unsupported resource kind: %q", res.Kind)
		}
		if res.Metadata.Name == "" {
			return nil, fmt.Errorf("metadata.name is required")
		}
		res.Spec.Name = res.Metadata.Name
		if res.Spec.Description == "" {
			res.Spec.Description = res.Metadata.Description
		}
		out = append(out, &res)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no %s documents found", clusterKind)
	}
	return out, nil
}

func applyCluster(cmd *cobra.Command, c *client.Client, res *ClusterResource) error {
	ctx := cmd.Context()
	clusters, err := c.ListClusters(ctx)
	if err != nil {
		return err
	}

	for _, existing := range clusters {
		if existing.Name != res.Spec.Name {
			continue
		}
		if existing.ReplicaCount == res.Spec.ReplicaCount {
			fmt.Printf("%s Cluster %s unchanged\n", check, existing.Name)
			return nil
		}
		fmt.Printf("Scaling cluster %s: %d -> %d replicas\n", existing.Name, existing.ReplicaCount, res.Spec.ReplicaCount)
		if _, err := c.ScaleCluster(ctx, existing.ID, res.Spec.ReplicaCount); err != nil {
			return fmt.Errorf("failed to scale cluster: %w", err)
		}
		fmt.Printf("%s Cluster %s scaling\n", check, existing.Name)
		return nil
	}

	fmt.Printf("Creating cluster: %s\n", res.Spec.Name)
	cluster, err := c.CreateCluster(ctx, res.Spec)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	fmt.Printf("%s Cluster created: %s (ID: %s)\n", check, cluster.Name, cluster.ID)
	return nil
}
