package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSpecDerivesGRPCPort(t *testing.T) {
	s := DefaultSpec()
	if s.GRPCPort != s.HTTPPort+1000 {
		t.Fatalf("grpc port %d, want %d", s.GRPCPort, s.HTTPPort+1000)
	}
}

func TestLoadSpecOverridesOnlyNamedOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nacosd.yaml")
	if err := os.WriteFile(path, []byte("http_port: 9000\ncluster_token: secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSpec(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.HTTPPort != 9000 {
		t.Fatalf("http_port %d, want 9000", s.HTTPPort)
	}
	if s.ClusterToken != "secret" {
		t.Fatalf("cluster_token %q, want secret", s.ClusterToken)
	}
	if s.HeartbeatIntervalMS != 500 {
		t.Fatalf("heartbeat_interval_ms %d, want default 500", s.HeartbeatIntervalMS)
	}
}
