// Package wizard provides an interactive setup wizard for Custodia.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/custodia-mesh/custodia/internal/config"
	"github.com/custodia-mesh/custodia/internal/identity"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Basic setup
	label, dataDir, configPath, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	// Step 2: Inbound listeners
	inbound, err := w.askInboundConfig()
	if err != nil {
		return nil, err
	}

	// Step 3: Multitenancy
	mt, storagePath, err := w.askMultitenantConfig(dataDir)
	if err != nil {
		return nil, err
	}

	// Step 4: Session limits
	sessions, err := w.askSessionConfig()
	if err != nil {
		return nil, err
	}

	// Step 5: Advanced options
	healthEnabled, logLevel, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	// Build configuration
	cfg := w.buildConfig(label, dataDir, inbound, mt, storagePath, sessions, healthEnabled, logLevel)

	// Initialize identity
	nodeID, _, err := identity.LoadOrCreate(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize node identity: %w", err)
	}
	if _, _, err := identity.LoadOrCreateKeypair(dataDir); err != nil {
		return nil, fmt.Errorf("failed to initialize node keypair: %w", err)
	}

	// Write configuration file
	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	// Print summary
	w.printSummary(nodeID, configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		DataDir:    dataDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
   ____          _            _ _
  / ___|   _ ___| |_ ___   __| (_) __ _
 | |  | | | / __| __/ _ \ / _' | |/ _' |
 | |__| |_| \__ \ || (_) | (_| | | (_| |
  \____\__,_|___/\__\___/ \__,_|_|\__,_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Custodial Agent Messaging Node - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (label, dataDir, configPath string, err error) {
	label = "custodia"
	dataDir = "./data"
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential settings for your node."),

			huh.NewInput().
				Title("Node Label").
				Description("Human-readable name shown to connecting agents").
				Placeholder("custodia").
				Value(&label).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("node label is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store node identity and state").
				Placeholder("./data").
				Value(&dataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askInboundConfig() (config.InboundConfig, error) {
	in := config.InboundConfig{
		Transport: "http",
		Address:   "0.0.0.0:8030",
		Path:      "/ws",
	}
	var h2c bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Inbound Transport").
				Description("Configure how agents deliver messages to this node."),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Description("HTTP is the most common agent endpoint").
				Options(
					huh.NewOption("HTTP (one message per request)", "http"),
					huh.NewOption("WebSocket (persistent connection)", "ws"),
				).
				Value(&in.Transport),

			huh.NewInput().
				Title("Listen Address").
				Description("Address and port to listen on").
				Placeholder("0.0.0.0:8030").
				Value(&in.Address).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("listen address is required")
					}
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Enable HTTP/2 cleartext (h2c)?").
				Description("For reverse proxies that forward h2c (HTTP transport only)").
				Value(&h2c),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return in, err
	}

	if in.Transport == "http" {
		in.Path = ""
		in.H2C = h2c
	}
	return in, nil
}

func (w *Wizard) askMultitenantConfig(dataDir string) (config.MultitenantConfig, string, error) {
	mt := config.MultitenantConfig{
		Selection:   config.SelectionFirst,
		OpenTimeout: 10 * time.Second,
	}
	storagePath := filepath.Join(dataDir, "wallets")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Multitenancy").
				Description("Route inbound messages to per-tenant wallets by recipient key."),

			huh.NewConfirm().
				Title("Enable multitenancy?").
				Description("Disabled nodes process all messages with the base wallet").
				Value(&mt.Enabled),

			huh.NewSelect[string]().
				Title("Tenant Selection Policy").
				Description("When a message addresses keys from several wallets").
				Options(
					huh.NewOption("First match (recommended)", config.SelectionFirst),
					huh.NewOption("Single match only (reject ambiguous)", config.SelectionOnly),
				).
				Value(&mt.Selection),

			huh.NewInput().
				Title("Wallet Storage Path").
				Description("Directory for tenant wallet records").
				Placeholder("./data/wallets").
				Value(&storagePath),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return mt, storagePath, err
	}
	return mt, storagePath, nil
}

func (w *Wizard) askSessionConfig() (config.SessionsConfig, error) {
	cfg := config.SessionsConfig{
		ResponseTimeout:   30 * time.Second,
		MaxMessageSize:    "4MiB",
		AcceptUndelivered: true,
	}
	timeoutStr := "30s"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Session Limits").
				Description("Bound inbound exchange sessions."),

			huh.NewInput().
				Title("Response Timeout").
				Description("How long to hold a connection open for a direct response").
				Placeholder("30s").
				Value(&timeoutStr).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil {
						return fmt.Errorf("invalid duration (e.g. 30s, 1m)")
					}
					if d <= 0 {
						return fmt.Errorf("timeout must be positive")
					}
					return nil
				}),

			huh.NewInput().
				Title("Max Message Size").
				Description("Largest accepted inbound message").
				Placeholder("4MiB").
				Value(&cfg.MaxMessageSize).
				Validate(func(s string) error {
					_, err := config.ParseSize(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return cfg, err
	}

	if d, err := time.ParseDuration(timeoutStr); err == nil {
		cfg.ResponseTimeout = d
	}
	return cfg, nil
}

func (w *Wizard) askAdvancedOptions() (healthEnabled bool, logLevel string, err error) {
	healthEnabled = true
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&healthEnabled),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) buildConfig(
	label, dataDir string,
	inbound config.InboundConfig,
	mt config.MultitenantConfig,
	storagePath string,
	sessions config.SessionsConfig,
	healthEnabled bool,
	logLevel string,
) *config.Config {
	cfg := config.Default()

	cfg.Node.Label = label
	cfg.Node.DataDir = dataDir
	cfg.Node.LogLevel = logLevel
	cfg.Node.LogFormat = "text"

	cfg.Inbound = []config.InboundConfig{inbound}

	cfg.Multitenant = mt
	cfg.Wallets.StoragePath = storagePath

	cfg.Sessions = sessions

	cfg.Health.Enabled = healthEnabled
	if healthEnabled {
		cfg.Health.Address = ":8080"
	}

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# Custodia Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(nodeID identity.NodeID, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Node ID:      %s\n", nodeID.String())
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Node.DataDir)
	fmt.Println()

	if len(cfg.Inbound) > 0 {
		in := cfg.Inbound[0]
		fmt.Printf("  Inbound:      %s://%s\n", in.Transport, in.Address)
	}

	fmt.Printf("  Multitenant:  %v\n", cfg.Multitenant.Enabled)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the node:")
	fmt.Printf("    custodia run -c %s\n", configPath)
	fmt.Println()
}
