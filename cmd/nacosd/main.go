// Command nacosd runs a single node of the replicated naming and
// configuration server, grounded on warren's cobra-based cmd/warren
// entrypoint and generalised to this server's single serve command.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nacos-go/nacosd/internal/agent"
	"github.com/nacos-go/nacosd/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "nacosd",
	Short:   "nacosd is a raft-replicated service registry and configuration server",
	Version: version,
}

// flagConfig layers the TLS cert/key/CA file paths cobra parses on top
// of the agent.Config it ultimately builds, since agent.Config only
// carries an already-loaded *tls.Config, not file paths.
type flagConfig struct {
	agent.Config
	ConfigFile                                           string
	ServerTLSCertFile, ServerTLSKeyFile, ServerTLSCAFile string
	PeerTLSCertFile, PeerTLSKeyFile, PeerTLSCAFile       string
}

var cfg flagConfig

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node as part of a nacosd cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.ConfigFile != "" {
			if err := applySpecFile(cmd, cfg.ConfigFile); err != nil {
				return err
			}
		}

		cfg.ACLModelFile = config.ACLModelFile
		cfg.ACLPolicyFile = config.ACLPolicyFile

		if cfg.ServerTLSCertFile != "" {
			tlsConfig, err := config.SetupTLSConfig(config.TLSConfig{
				CertFile: cfg.ServerTLSCertFile,
				KeyFile:  cfg.ServerTLSKeyFile,
				CAFile:   cfg.ServerTLSCAFile,
				Server:   true,
			})
			if err != nil {
				return err
			}
			cfg.ServerTLSConfig = tlsConfig
		}
		if cfg.PeerTLSCertFile != "" {
			tlsConfig, err := config.SetupTLSConfig(config.TLSConfig{
				CertFile: cfg.PeerTLSCertFile,
				KeyFile:  cfg.PeerTLSKeyFile,
				CAFile:   cfg.PeerTLSCAFile,
				Server:   false,
			})
			if err != nil {
				return err
			}
			cfg.PeerTLSConfig = tlsConfig
		}

		a, err := agent.New(cfg.Config)
		if err != nil {
			return err
		}
		<-make(chan struct{})
		return a.Shutdown()
	},
}

// applySpecFile loads the YAML recognised-options document at path and
// fills in every flag the operator did not explicitly set on the
// command line, so a config file supplies defaults and flags still win
// when both are given.
func applySpecFile(cmd *cobra.Command, path string) error {
	spec, err := config.LoadSpec(path)
	if err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	changed := cmd.Flags().Changed

	if !changed("node-name") && spec.RaftNodeID != 0 {
		cfg.NodeName = strconv.Itoa(spec.RaftNodeID)
	}
	if !changed("cluster-token") && spec.ClusterToken != "" {
		cfg.ClusterToken = spec.ClusterToken
	}
	if !changed("bootstrap") {
		cfg.Bootstrap = spec.RaftAutoInit
	}
	if !changed("join") && spec.RaftJoinAddr != "" {
		cfg.StartJoinAddrs = []string{spec.RaftJoinAddr}
	}
	if !changed("http-port") && spec.HTTPPort != 0 {
		cfg.HTTPPort = spec.HTTPPort
	}
	if !changed("rpc-port") && spec.GRPCPort != 0 {
		cfg.RPCPort = spec.GRPCPort
	}
	if spec.RaftNodeAddr != "" {
		host, port, err := net.SplitHostPort(spec.RaftNodeAddr)
		if err != nil {
			return fmt.Errorf("parsing raft_node_addr %q: %w", spec.RaftNodeAddr, err)
		}
		if !changed("raft-port") {
			if p, err := strconv.Atoi(port); err == nil {
				cfg.RaftPort = p
			}
		}
		if !changed("bind-addr") {
			_, bindPort, err := net.SplitHostPort(cfg.BindAddr)
			if err != nil {
				return err
			}
			cfg.BindAddr = net.JoinHostPort(host, bindPort)
		}
	}
	if spec.HeartbeatIntervalMS != 0 {
		cfg.HeartbeatInterval = time.Duration(spec.HeartbeatIntervalMS) * time.Millisecond
	}
	if spec.ElectionTimeoutMinMS != 0 {
		cfg.ElectionTimeoutMin = time.Duration(spec.ElectionTimeoutMinMS) * time.Millisecond
	}
	if spec.SnapshotEntriesThreshold != 0 {
		cfg.SnapshotThreshold = spec.SnapshotEntriesThreshold
	}
	return nil
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nacosd %s (%s)\n", version, commit))
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.StringVar(&cfg.ConfigFile, "config", "", "path to a nacosd.yaml configuration file")
	flags.StringVar(&cfg.NodeName, "node-name", "", "unique node name, defaults to hostname")
	flags.StringVar(&cfg.BindAddr, "bind-addr", "127.0.0.1:8301", "gossip bind address")
	flags.IntVar(&cfg.RPCPort, "rpc-port", 8302, "grpc port for client traffic and leader forwarding")
	flags.IntVar(&cfg.RaftPort, "raft-port", 8303, "raft peer transport port")
	flags.IntVar(&cfg.HTTPPort, "http-port", 8848, "HTTP mirror API port")
	flags.StringVar(&cfg.DataDir, "data-dir", "/var/lib/nacosd", "directory for raft log, snapshot and stable store state")
	flags.StringSliceVar(&cfg.StartJoinAddrs, "join", nil, "existing cluster gossip addresses to join")
	flags.BoolVar(&cfg.Bootstrap, "bootstrap", false, "bootstrap a new single-node cluster")
	flags.StringVar(&cfg.ClusterToken, "cluster-token", "", "shared secret gating the raft peer channel")

	flags.StringVar(&cfg.ServerTLSCertFile, "server-tls-cert", "", "server certificate file")
	flags.StringVar(&cfg.ServerTLSKeyFile, "server-tls-key", "", "server private key file")
	flags.StringVar(&cfg.ServerTLSCAFile, "server-tls-ca", "", "CA file verifying client certificates")
	flags.StringVar(&cfg.PeerTLSCertFile, "peer-tls-cert", "", "peer client certificate file")
	flags.StringVar(&cfg.PeerTLSKeyFile, "peer-tls-key", "", "peer client private key file")
	flags.StringVar(&cfg.PeerTLSCAFile, "peer-tls-ca", "", "CA file verifying peer certificates")
}
