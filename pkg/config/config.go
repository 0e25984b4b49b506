package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Cluster maps node IDs to their listen addresses. It is loaded once at
// startup and never changes for the lifetime of the process.
type Cluster map[string]string

// Load reads a cluster configuration file: a JSON object mapping
// node_id to "host:port".
func Load(path string) (Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster config %s: %w", path, err)
	}

	var c Cluster
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse cluster config %s: %w", path, err)
	}

	if len(c) == 0 {
		return nil, fmt.Errorf("cluster config %s contains no nodes", path)
	}
	for id, addr := range c {
		if id == "" || addr == "" {
			return nil, fmt.Errorf("cluster config %s has an empty node id or address", path)
		}
	}

	return c, nil
}

// Addr returns the address for a node id, or the empty string if the
// node is unknown.
func (c Cluster) Addr(id string) string {
	return c[id]
}

// Has reports whether a node id is part of the cluster.
func (c Cluster) Has(id string) bool {
	_, ok := c[id]
	return ok
}

// Peers returns the ids of every node except self, in sorted order.
func (c Cluster) Peers(self string) []string {
	peers := make([]string, 0, len(c)-1)
	for id := range c {
		if id != self {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}
