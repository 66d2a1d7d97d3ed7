// Package main provides the CLI entry point for the Custodia node.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/custodia-mesh/custodia/internal/config"
	"github.com/custodia-mesh/custodia/internal/identity"
	"github.com/custodia-mesh/custodia/internal/logging"
	"github.com/custodia-mesh/custodia/internal/node"
	"github.com/custodia-mesh/custodia/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "custodia",
		Short: "Custodia - Custodial agent messaging node",
		Long: `Custodia is a custodial agent-to-agent messaging node.

It accepts sealed messages over HTTP and WebSocket, routes them to
per-tenant wallets by recipient key, and returns direct responses on
the inbound connection when the sender requests them.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new node",
		Long:  "Initialize a new node by creating the data directory and generating identity material.",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize node: %w", err)
			}
			if _, _, err := identity.LoadOrCreateKeypair(dataDir); err != nil {
				return fmt.Errorf("failed to initialize node keypair: %w", err)
			}

			if created {
				fmt.Printf("Node initialized in %s\n", dataDir)
			} else {
				fmt.Printf("Node already initialized in %s\n", dataDir)
			}
			fmt.Printf("Node ID: %s\n", id.String())

			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long:  "Walk through node configuration interactively and write a config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the messaging node",
		Long:  "Start the messaging node with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

			n, err := node.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			fmt.Printf("Starting Custodia node...\n")
			fmt.Printf("Node ID: %s\n", n.ID().String())

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			for _, addr := range n.Addrs() {
				fmt.Printf("Listening: %s\n", addr)
			}
			if cfg.Health.Enabled {
				fmt.Printf("Health: http://%s/health\n", cfg.Health.Address)
			}
			fmt.Printf("Status: running (multitenant: %v)\n", cfg.Multitenant.Enabled)

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := n.Stop(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Query a running node's health endpoint and display its status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + address + "/healthz")
			if err != nil {
				return fmt.Errorf("node not reachable at %s: %w", address, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read status: %w", err)
			}

			fmt.Print(formatStatus(body))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("node reports unhealthy (status %d)", resp.StatusCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:8080", "Health endpoint address")

	return cmd
}

// healthzStatus mirrors the health server's /healthz JSON body.
type healthzStatus struct {
	Status           string `json:"status"`
	Running          bool   `json:"running"`
	ListenerCount    int64  `json:"listener_count"`
	SessionsActive   int64  `json:"sessions_active"`
	PendingResponses int64  `json:"pending_responses"`
	WalletsOpen      int64  `json:"wallets_open"`
	Multitenant      bool   `json:"multitenant"`
}

// formatStatus renders a /healthz body for display. Bodies that are not
// the expected JSON pass through unchanged.
func formatStatus(body []byte) string {
	var st healthzStatus
	if err := json.Unmarshal(body, &st); err != nil || st.Status == "" {
		return string(body)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Status:            %s\n", st.Status)
	fmt.Fprintf(&b, "Listeners:         %s\n", humanize.Comma(st.ListenerCount))
	fmt.Fprintf(&b, "Active sessions:   %s\n", humanize.Comma(st.SessionsActive))
	fmt.Fprintf(&b, "Pending responses: %s\n", humanize.Comma(st.PendingResponses))
	fmt.Fprintf(&b, "Open wallets:      %s\n", humanize.Comma(st.WalletsOpen))
	fmt.Fprintf(&b, "Multitenant:       %v\n", st.Multitenant)
	return b.String()
}
