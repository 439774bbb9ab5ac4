// Package main provides the CLI entry point for the synapse relay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/synapse-relay/internal/config"
	"github.com/postalsys/synapse-relay/internal/health"
	"github.com/postalsys/synapse-relay/internal/logging"
	"github.com/postalsys/synapse-relay/internal/metrics"
	"github.com/postalsys/synapse-relay/internal/recovery"
	"github.com/postalsys/synapse-relay/internal/relay"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "synapse-relay",
		Short: "Synapse relay - UDP bridge for a sandboxed control plane",
		Long: `synapse-relay bridges a sandboxed control plane that can only speak
HTTP on localhost with peers reachable over UDP.

Envelopes read from the control plane's event stream are sent to peers
as datagrams, and datagrams from peers are posted back to the control
plane. The relay waits for the control plane, restarts itself after any
failure, and never exits on its own.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// overrides holds flag values that replace config file settings.
type overrides struct {
	port           int
	controlPlane   string
	logLevel       string
	logFormat      string
	metricsAddress string
}

func (o overrides) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Relay.Port = o.port
	}
	if flags.Changed("control-plane") {
		cfg.ControlPlane.BaseURL = o.controlPlane
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("metrics-address") {
		cfg.Health.Enabled = o.metricsAddress != ""
		cfg.Health.Address = o.metricsAddress
	}
}

// loadConfig reads path, or starts from defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runCmd() *cobra.Command {
	var configPath string
	var o overrides

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay and keep it running until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			o.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			m := metrics.Default()
			sup := relay.NewSupervisor(relay.NewConfig(cfg), m, logger)

			if cfg.Health.Enabled {
				srv := health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 30 * time.Second,
				}, sup, nil)
				if err := srv.Start(); err != nil {
					return fmt.Errorf("failed to start health server: %w", err)
				}
				defer srv.Stop()
				logger.Info("health server listening", logging.KeyLocalAddr, srv.Address().String())
			}

			logger.Info("starting synapse relay",
				"version", Version,
				logging.KeyPort, cfg.Relay.Port,
				logging.KeyURL, cfg.ControlPlane.BaseURL)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				defer recovery.Guard(logger, "supervisor")
				sup.Run(ctx)
			}()

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()

			select {
			case <-done:
			case <-time.After(15 * time.Second):
				return fmt.Errorf("relay did not stop within 15s")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults are used when empty)")
	cmd.Flags().IntVarP(&o.port, "port", "p", config.DefaultPort, "UDP port to bind and send to")
	cmd.Flags().StringVar(&o.controlPlane, "control-plane", config.DefaultControlPlaneURL, "Control plane base URL")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&o.logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().StringVar(&o.metricsAddress, "metrics-address", "", "Serve health and metrics on this address")

	return cmd
}

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Query the health endpoint of a running relay (requires health.enabled).",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, running, err := fetchStatus(cmd.Context(), "http://"+address+"/healthz")
			if err != nil {
				return err
			}
			printStatus(cmd, stats, running)
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", health.DefaultServerConfig().Address, "Health server address of the running relay")

	return cmd
}

// fetchStatus reads /healthz. A 503 still carries the stats.
func fetchStatus(ctx context.Context, url string) (health.Stats, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return health.Stats{}, false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health.Stats{}, false, fmt.Errorf("relay not reachable: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Running bool `json:"running"`
		health.Stats
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return health.Stats{}, false, fmt.Errorf("invalid status response (HTTP %d): %w", resp.StatusCode, err)
	}
	return body.Stats, body.Running, nil
}

func printStatus(cmd *cobra.Command, stats health.Stats, running bool) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "State:            %s\n", stats.State)
	fmt.Fprintf(out, "Running:          %t\n", running)
	fmt.Fprintf(out, "Sessions started: %d\n", stats.SessionsStarted)
	if stats.SessionID != "" {
		fmt.Fprintf(out, "Session:          %s (started %s)\n", stats.SessionID, humanize.Time(stats.SessionStarted))
		fmt.Fprintf(out, "Local address:    %s\n", stats.LocalAddr)
		fmt.Fprintf(out, "Peers known:      %d\n", stats.PeersKnown)
		for _, p := range stats.Peers {
			fmt.Fprintf(out, "  - %s\n", p)
		}
	}
	if stats.LastFailure != "" {
		fmt.Fprintf(out, "Last failure:     %s\n", stats.LastFailure)
	}
}

func configCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Load and validate the configuration, then print it as YAML.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults are used when empty)")

	return cmd
}
