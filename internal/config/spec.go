package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Spec is the full set of recognised server options, loaded from a
// YAML file the way warren's pkg/config loads its manager/worker
// settings, layered underneath the file path variables in files.go (TLS
// material and ACL policy stay OS-default-directory-resolved, not
// part of this YAML document).
type Spec struct {
	RaftNodeID    int    `yaml:"raft_node_id"`
	RaftNodeAddr  string `yaml:"raft_node_addr"`
	RaftJoinAddr  string `yaml:"raft_join_addr"`
	RaftAutoInit  bool   `yaml:"raft_auto_init"`
	HTTPPort      int    `yaml:"http_port"`
	GRPCPort      int    `yaml:"grpc_port"`

	HeartbeatIntervalMS    int `yaml:"heartbeat_interval_ms"`
	ElectionTimeoutMinMS   int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS   int `yaml:"election_timeout_max_ms"`
	SnapshotEntriesThreshold uint64 `yaml:"snapshot_entries_threshold"`

	LogSegmentMaxBytes     int64 `yaml:"log_segment_max_bytes"`
	LogSparseIndexInterval int   `yaml:"log_sparse_index_interval"`

	InstanceHeartbeatTimeoutMS int `yaml:"instance_heartbeat_timeout_ms"`
	InstanceIPDeleteTimeoutMS  int `yaml:"instance_ip_delete_timeout_ms"`

	ClusterToken         string `yaml:"cluster_token"`
	ConsoleLoginTimeoutS int    `yaml:"console_login_timeout_s"`
}

// DefaultSpec mirrors the bracketed defaults in the recognised-options
// table: http_port 8848, grpc_port http_port+1000, and so on.
func DefaultSpec() Spec {
	s := Spec{
		RaftNodeID:   1,
		RaftNodeAddr: "127.0.0.1:9848",
		HTTPPort:     8848,

		HeartbeatIntervalMS:      500,
		ElectionTimeoutMinMS:     1500,
		ElectionTimeoutMaxMS:     3000,
		SnapshotEntriesThreshold: 10000,

		LogSegmentMaxBytes:     2_000_000_000,
		LogSparseIndexInterval: 128,

		InstanceHeartbeatTimeoutMS: 15000,
		InstanceIPDeleteTimeoutMS:  30000,

		ConsoleLoginTimeoutS: 1200,
	}
	s.GRPCPort = s.HTTPPort + 1000
	return s
}

// LoadSpec reads a YAML document at path over DefaultSpec, so a
// partial file only overrides the options it names.
func LoadSpec(path string) (Spec, error) {
	spec := DefaultSpec()
	b, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}
	if err := yaml.Unmarshal(b, &spec); err != nil {
		return spec, err
	}
	if spec.GRPCPort == 0 {
		spec.GRPCPort = spec.HTTPPort + 1000
	}
	return spec, nil
}
