package main

import (
	"testing"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResources(t *testing.T) {
	data := []byte(`
apiVersion: burrow.cuemby.io/v1
kind: MySQLCluster
metadata:
  name: orders
  description: order database
spec:
  version: "8.0"
  replicaCount: 2
  master:
    cpuCores: 2
    memory: 4G
---
kind: MySQLCluster
metadata:
  name: users
spec:
  name: ignored
  description: user database
`)

	resources, err := parseResources(data)
	require.NoError(t, err)
	require.Len(t, resources, 2)

	orders := resources[0].Spec
	assert.Equal(t, "orders", orders.Name)
	assert.Equal(t, "order database", orders.Description)
	assert.Equal(t, "8.0", orders.Version)
	assert.Equal(t, 2, orders.ReplicaCount)
	assert.Equal(t, types.NodeResources{CPUCores: 2, Memory: "4G"}, orders.Master)

	users := resources[1].Spec
	assert.Equal(t, "users", users.Name, "metadata.name wins")
	assert.Equal(t, "user database", users.Description)
}

func TestParseResourcesErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"wrong kind", "kind: Service\nmetadata:\n  name: web\n", "unsupported resource kind"},
		{"missing name", "kind: MySQLCluster\nspec:\n  replicaCount: 1\n", "metadata.name is required"},
		{"empty", "---\n", "no MySQLCluster documents"},
		{"bad yaml", "kind: [\n", "failed to parse YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResources([]byte(tt.data))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestStatusColor(t *testing.T) {
	for _, s := range []string{"RUNNING", "FAILED", "DEGRADED", "STOPPED"} {
		assert.Contains(t, statusColor(s), s)
	}
}
