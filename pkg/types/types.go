package types

import (
	"slices"
	"time"
)

// Cluster is one MySQL topology: a primary, N replicas and a ProxySQL front end
type Cluster struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	OwnerID         string        `json:"owner_id"`
	Version         string        `json:"version"`
	ReplicaCount    int           `json:"replica_count"`
	Status          ClusterStatus `json:"status"`
	Description     string        `json:"description,omitempty"`
	EnableRegistrar bool          `json:"enable_registrar"`
	EnableBackup    bool          `json:"enable_backup"`

	// Connection fields
	ProxyPort       int    `json:"proxy_port,omitempty"`
	DBUser          string `json:"db_user,omitempty"`
	DBPasswordEnc   string `json:"-"`
	RootPasswordEnc string `json:"-"`

	// Infrastructure handles
	NetworkID           string   `json:"network_id,omitempty"`
	MasterContainerID   string   `json:"master_container_id,omitempty"`
	ProxyContainerID    string   `json:"proxy_container_id,omitempty"`
	ReplicaContainerIDs []string `json:"replica_container_ids"`

	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// ResourceVersion is the optimistic-lock counter, bumped by every store write
	ResourceVersion int64 `json:"resource_version"`
}

// ClusterStatus is the lifecycle state of a cluster
type ClusterStatus string

const (
	ClusterStatusProvisioning ClusterStatus = "PROVISIONING"
	ClusterStatusRunning      ClusterStatus = "RUNNING"
	ClusterStatusDegraded     ClusterStatus = "DEGRADED"
	ClusterStatusScaling      ClusterStatus = "SCALING"
	ClusterStatusStopped      ClusterStatus = "STOPPED"
	ClusterStatusDeleting     ClusterStatus = "DELETING"
	ClusterStatusFailed       ClusterStatus = "FAILED"
)

var clusterTransitions = map[ClusterStatus][]ClusterStatus{
	ClusterStatusProvisioning: {ClusterStatusRunning},
	ClusterStatusRunning:      {ClusterStatusDegraded, ClusterStatusScaling, ClusterStatusStopped},
	ClusterStatusDegraded:     {ClusterStatusRunning, ClusterStatusScaling, ClusterStatusStopped},
	ClusterStatusScaling:      {ClusterStatusRunning, ClusterStatusDegraded},
	ClusterStatusStopped:      {ClusterStatusRunning, ClusterStatusStopped},
	ClusterStatusFailed:       {ClusterStatusRunning, ClusterStatusStopped, ClusterStatusScaling},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// DELETING and FAILED are reachable from every state.
func (s ClusterStatus) CanTransitionTo(next ClusterStatus) bool {
	if next == ClusterStatusDeleting || next == ClusterStatusFailed {
		return true
	}
	return slices.Contains(clusterTransitions[s], next)
}

// IsTransitional reports whether a workflow owns the cluster in this state
func (s ClusterStatus) IsTransitional() bool {
	switch s {
	case ClusterStatusProvisioning, ClusterStatusScaling, ClusterStatusDeleting:
		return true
	}
	return false
}

// Copy returns a deep copy of the cluster
func (c *Cluster) Copy() *Cluster {
	if c == nil {
		return nil
	}
	out := *c
	out.ReplicaContainerIDs = slices.Clone(c.ReplicaContainerIDs)
	return &out
}

// HasReplica reports whether containerID is in the replica handle list
func (c *Cluster) HasReplica(containerID string) bool {
	return slices.Contains(c.ReplicaContainerIDs, containerID)
}

// AddReplica appends containerID to the replica handle list if absent
func (c *Cluster) AddReplica(containerID string) {
	if containerID == "" || c.HasReplica(containerID) {
		return
	}
	c.ReplicaContainerIDs = append(c.ReplicaContainerIDs, containerID)
}

// RemoveReplica drops containerID from the replica handle list
func (c *Cluster) RemoveReplica(containerID string) {
	c.ReplicaContainerIDs = slices.DeleteFunc(c.ReplicaContainerIDs, func(id string) bool {
		return id == containerID
	})
}

// ContainerIDs returns every container handle of the cluster, primary first
func (c *Cluster) ContainerIDs() []string {
	var ids []string
	if c.MasterContainerID != "" {
		ids = append(ids, c.MasterContainerID)
	}
	ids = append(ids, c.ReplicaContainerIDs...)
	if c.ProxyContainerID != "" {
		ids = append(ids, c.ProxyContainerID)
	}
	return ids
}

// Node is one container's logical identity within a cluster
type Node struct {
	ID            string        `json:"id"`
	ClusterID     string        `json:"cluster_id"`
	ContainerName string        `json:"container_name"`
	ContainerID   string        `json:"container_id"`
	Role          NodeRole      `json:"role"`
	Status        NodeStatus    `json:"status"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Resources     NodeResources `json:"resources"`
	ReadOnly      bool          `json:"read_only"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NodeRole is the part a container plays in the topology
type NodeRole string

const (
	NodeRoleMaster       NodeRole = "MASTER"
	NodeRoleReplica      NodeRole = "REPLICA"
	NodeRoleProxy        NodeRole = "PROXY"
	NodeRoleOrchestrator NodeRole = "ORCHESTRATOR"
)

// NodeStatus is the lifecycle state of a node
type NodeStatus string

const (
	NodeStatusStarting NodeStatus = "STARTING"
	NodeStatusRunning  NodeStatus = "RUNNING"
	NodeStatusFailed   NodeStatus = "FAILED"
	NodeStatusStopped  NodeStatus = "STOPPED"
)

// IsDatabase reports whether the role runs mysqld
func (r NodeRole) IsDatabase() bool {
	return r == NodeRoleMaster || r == NodeRoleReplica
}

// SetRole changes the node role and keeps ReadOnly consistent with it
func (n *Node) SetRole(role NodeRole) {
	n.Role = role
	n.ReadOnly = role == NodeRoleReplica
}

// NodeResources is the resource shape requested for one container
type NodeResources struct {
	CPUCores float64 `json:"cpu_cores" yaml:"cpuCores" validate:"gte=0"`
	Memory   string  `json:"memory" yaml:"memory" validate:"omitempty,quantity"`   // "4G", "512M"
	Storage  string  `json:"storage" yaml:"storage" validate:"omitempty,quantity"` // "20G"
}

// IsZero reports whether no field was set
func (r NodeResources) IsZero() bool {
	return r.CPUCores == 0 && r.Memory == "" && r.Storage == ""
}

// Or returns r with unset fields taken from def
func (r NodeResources) Or(def NodeResources) NodeResources {
	if r.CPUCores <= 0 {
		r.CPUCores = def.CPUCores
	}
	if r.Memory == "" {
		r.Memory = def.Memory
	}
	if r.Storage == "" {
		r.Storage = def.Storage
	}
	return r
}

// ClusterSpec is a request to create a cluster
type ClusterSpec struct {
	Name            string        `json:"name" yaml:"name" validate:"required,max=63"`
	Description     string        `json:"description,omitempty" yaml:"description,omitempty" validate:"max=255"`
	Version         string        `json:"version" yaml:"version"`
	ReplicaCount    int           `json:"replica_count" yaml:"replicaCount" validate:"gte=0"`
	EnableRegistrar bool          `json:"enable_registrar" yaml:"enableRegistrar"`
	EnableBackup    bool          `json:"enable_backup" yaml:"enableBackup"`
	Master          NodeResources `json:"master" yaml:"master"`
	Replica         NodeResources `json:"replica" yaml:"replica"`
	Proxy           NodeResources `json:"proxy" yaml:"proxy"`
}

// ProvisioningConfig holds per-role resource requests between the create
// request and the asynchronous provisioning phase. It is never persisted.
type ProvisioningConfig struct {
	Master  NodeResources
	Replica NodeResources
	Proxy   NodeResources
}

// ConnectionInfo is what a client needs to reach a cluster through its proxy
type ConnectionInfo struct {
	ClusterID string `json:"cluster_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
	Password  string `json:"password"`
	Database  string `json:"database,omitempty"`
}

// ClusterHealth is the on-demand health view of a cluster
type ClusterHealth struct {
	ClusterID         string        `json:"cluster_id"`
	Status            ClusterStatus `json:"status"`
	MasterHealthy     bool          `json:"master_healthy"`
	HealthyReplicas   int           `json:"healthy_replicas"`
	RequestedReplicas int           `json:"requested_replicas"`
	ProxyHealthy      bool          `json:"proxy_healthy"`
	CheckedAt         time.Time     `json:"checked_at"`
}
