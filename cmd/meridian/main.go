package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/meridian/pkg/cluster"
	"github.com/cuemby/meridian/pkg/config"
	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "Meridian - a geo-aware, S3-compatible object store",
	Long: `Meridian is a distributed, geo-aware object store speaking the S3
API. Metadata replicates as CRDTs over a gossiped partition layout;
blocks replicate independently with content-addressed dedup.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("Meridian version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(layoutCmd)
	rootCmd.AddCommand(statusCmd)

	serverCmd.Flags().String("config", "", "Path to meridian.yaml (required)")
	serverCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	_ = serverCmd.MarkFlagRequired("config")

	layoutCmd.Flags().String("config", "", "Path to meridian.yaml (required)")
	_ = layoutCmd.MarkFlagRequired("config")

	statusCmd.Flags().String("config", "", "Path to meridian.yaml (required)")
	_ = statusCmd.MarkFlagRequired("config")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start a Meridian node",
	Long: `Start a Meridian node: open its local store, load or bootstrap
its partition layout, start accepting RPCs from peers, and serve the
metrics and health endpoints.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	mode, err := cfg.ConsistencyMode()
	if err != nil {
		return fmt.Errorf("invalid consistency mode: %v", err)
	}

	fmt.Println("Starting Meridian node...")
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  Bind Address:   %s\n", cfg.BindAddr)
	fmt.Printf("  Zone:           %s\n", cfg.Zone)
	fmt.Printf("  Replication:    %d\n", cfg.ReplicationFactor)
	fmt.Printf("  Consistency:    %s\n", cfg.Consistency)
	fmt.Println()

	sys, err := cluster.NewSystem(cluster.Config{
		DataDir:           cfg.DataDir,
		BindAddr:          cfg.BindAddr,
		Zone:              cfg.Zone,
		Capacity:          cfg.Capacity,
		ReplicationFactor: cfg.ReplicationFactor,
		Mode:              mode,
	})
	if err != nil {
		return fmt.Errorf("failed to start node: %v", err)
	}
	fmt.Printf("✓ Node identity: %s\n", sys.NodeID())

	for _, peer := range cfg.Peers {
		nodeID, err := identity.ParseNodeID(peer.NodeID)
		if err != nil {
			fmt.Printf("Warning: skipping peer %q: %v\n", peer.NodeID, err)
			continue
		}
		if err := sys.AdvertiseAddr(nodeID, peer.Address); err != nil {
			fmt.Printf("Warning: failed to advertise peer %q: %v\n", peer.NodeID, err)
		}
	}

	if err := cluster.Bootstrap(context.Background(), sys); err != nil {
		return fmt.Errorf("failed to bootstrap: %v", err)
	}
	fmt.Println("✓ Bootstrap check complete")

	listener, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", cfg.BindAddr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := sys.RPCServer().Serve(listener); err != nil {
			errCh <- fmt.Errorf("RPC server error: %v", err)
		}
	}()
	fmt.Printf("✓ RPC listening on %s\n", cfg.BindAddr)

	sys.Start()
	fmt.Println("✓ Anti-entropy, block GC/resync and layout gossip started")

	metrics.SetVersion(Version)
	metrics.RegisterComponent("rpc", true, "listening")
	metrics.RegisterComponent("kv", true, "ready")
	metrics.RegisterComponent("layout", true, "loaded")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Printf("  - Health check: http://%s/health\n", metricsAddr)
	fmt.Printf("  - Readiness:    http://%s/ready\n", metricsAddr)
	fmt.Printf("  - Liveness:     http://%s/live\n", metricsAddr)
	fmt.Println()
	fmt.Println("Node is running. Press Ctrl+C to stop.")
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	sys.Stop()
	_ = listener.Close()
	fmt.Println("✓ Shutdown complete")
	return nil
}

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Show this node's partition layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystemForCLI(cmd)
		if err != nil {
			return err
		}
		defer sys.Stop()

		current := sys.History().Current()
		fmt.Printf("Layout version %d (replication factor %d)\n", current.Num, current.ReplicationFactor)
		fmt.Println()
		for _, role := range current.Roles {
			fmt.Printf("  %s  zone=%-10s capacity=%d\n", role.ID, role.Zone, role.Capacity)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this node's identity and membership view",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystemForCLI(cmd)
		if err != nil {
			return err
		}
		defer sys.Stop()

		fmt.Printf("Node ID: %s\n", sys.NodeID())
		fmt.Printf("Known nodes: %d\n", len(sys.History().AllNodes()))
		fmt.Printf("Layout version: %d\n", sys.History().Current().Num)
		for _, tok := range sys.Tokens().List() {
			fmt.Printf("Active join token: %s (role=%s, expires=%s)\n",
				tok.Token, tok.Role, tok.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

// openSystemForCLI opens a node's System against its configured data dir
// without starting the RPC listener or background loops, for read-only
// inspection commands.
func openSystemForCLI(cmd *cobra.Command) (*cluster.System, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	mode, err := cfg.ConsistencyMode()
	if err != nil {
		return nil, fmt.Errorf("invalid consistency mode: %v", err)
	}
	sys, err := cluster.NewSystem(cluster.Config{
		DataDir:           cfg.DataDir,
		BindAddr:          cfg.BindAddr,
		Zone:              cfg.Zone,
		Capacity:          cfg.Capacity,
		ReplicationFactor: cfg.ReplicationFactor,
		Mode:              mode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open node: %v", err)
	}
	return sys, nil
}
