// Package naming derives container, network and alias names from a cluster ID.
//
// Names are a pure function of the cluster ID and an ordinal so that recovery
// logic can re-derive them without consulting the store.
package naming

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

const (
	mysqlPrefix   = "mysql-"
	proxyPrefix   = "proxysql-"
	networkPrefix = "burrow-"

	masterSuffix  = "-master"
	replicaMarker = "-replica-"
)

// MasterName returns the primary container name of a cluster
func MasterName(clusterID string) string {
	return mysqlPrefix + clusterID + masterSuffix
}

// ReplicaName returns the container name of replica n
func ReplicaName(clusterID string, n int) string {
	return fmt.Sprintf("%s%s%s%d", mysqlPrefix, clusterID, replicaMarker, n)
}

// ProxyName returns the ProxySQL container name of a cluster
func ProxyName(clusterID string) string {
	return proxyPrefix + clusterID
}

// NetworkName returns the private network name of a cluster
func NetworkName(clusterID string) string {
	return networkPrefix + clusterID
}

// ClusterAlias is the name a cluster is known by in the topology registrar
func ClusterAlias(clusterID string) string {
	return mysqlPrefix + clusterID
}

// Parsed is the result of parsing a container name
type Parsed struct {
	ClusterID string
	Role      types.NodeRole
	Ordinal   int // replica ordinal, zero for other roles
}

// Parse recovers the cluster ID, role and replica ordinal from a container name.
// It is the inverse of MasterName, ReplicaName and ProxyName.
func Parse(name string) (Parsed, bool) {
	if rest, ok := strings.CutPrefix(name, proxyPrefix); ok {
		if rest == "" {
			return Parsed{}, false
		}
		return Parsed{ClusterID: rest, Role: types.NodeRoleProxy}, true
	}

	rest, ok := strings.CutPrefix(name, mysqlPrefix)
	if !ok {
		return Parsed{}, false
	}

	if id, ok := strings.CutSuffix(rest, masterSuffix); ok && id != "" {
		return Parsed{ClusterID: id, Role: types.NodeRoleMaster}, true
	}

	i := strings.LastIndex(rest, replicaMarker)
	if i <= 0 {
		return Parsed{}, false
	}
	n, err := strconv.Atoi(rest[i+len(replicaMarker):])
	if err != nil || n < 0 {
		return Parsed{}, false
	}
	return Parsed{ClusterID: rest[:i], Role: types.NodeRoleReplica, Ordinal: n}, true
}

// ReplicaOrdinal returns the "-replica-N" suffix of a container name, or
// false if the name is not replica-shaped.
func ReplicaOrdinal(name string) (int, bool) {
	p, ok := Parse(name)
	if !ok || p.Role != types.NodeRoleReplica {
		return 0, false
	}
	return p.Ordinal, true
}

// ClusterIDFromAlias extracts the cluster ID from a "mysql-{clusterId}" alias
func ClusterIDFromAlias(alias string) (string, bool) {
	id, ok := strings.CutPrefix(alias, mysqlPrefix)
	if !ok || id == "" || strings.Contains(id, "-") {
		return "", false
	}
	return id, true
}

// ClusterIDFromHost extracts the cluster ID from a "mysql-{clusterId}-{role}"
// hostname, optionally carrying a ":port" suffix.
func ClusterIDFromHost(host string) (string, bool) {
	p, ok := Parse(StripPort(host))
	if !ok || !p.Role.IsDatabase() {
		return "", false
	}
	return p.ClusterID, true
}

// StripPort removes a trailing ":port" from a host identifier
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
