// ABOUTME: Entry point for the stacker-plane control server
// ABOUTME: Serves the agent command and control API

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/trydirect/stacker-sub002/internal/auth"
	"github.com/trydirect/stacker-sub002/internal/config"
	"github.com/trydirect/stacker-sub002/internal/dispatch"
	"github.com/trydirect/stacker-sub002/internal/httpapi"
	"github.com/trydirect/stacker-sub002/internal/plane"
	"github.com/trydirect/stacker-sub002/internal/secrets"
	"github.com/trydirect/stacker-sub002/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _             _                        _
  ___| |_ __ _  ___| | _____ _ __      _ __ | | __ _ _ __   ___
 / __| __/ _' |/ __| |/ / _ \ '__|____| '_ \| |/ _' | '_ \ / _ \
 \__ \ || (_| | (__|   <  __/ | |_____| |_) | | (_| | | | |  __/
 |___/\__\__,_|\___|_|\_\___|_|       | .__/|_|\__,_|_| |_|\___|
                                      |_|
`

// getConfigPath returns the path to the plane config file.
// Priority: STACKER_PLANE_CONFIG env var > XDG_CONFIG_HOME/stacker/plane.yaml > ~/.config/stacker/plane.yaml
func getConfigPath() string {
	if envPath := os.Getenv("STACKER_PLANE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "plane.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "stacker", "plane.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: stacker-plane <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the control-plane server")
		fmt.Println("  init     Write a starter config file")
		fmt.Println("  health   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s (agent pool %d, api pool %d)\n",
		cfg.Database.Path, cfg.Database.AgentConns, cfg.Database.APIConns)
	green.Print("    ▶ ")
	if cfg.Vault.Enabled {
		fmt.Printf("Vault:    %s (mount %s)\n", cfg.Vault.Address, cfg.Vault.Mount)
	} else {
		fmt.Printf("Vault:    disabled (in-memory token store)\n")
	}
	fmt.Println()

	logger.Info("starting stacker-plane",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	pools, err := store.OpenPools(cfg.Database.Path, cfg.Database.AgentConns, cfg.Database.APIConns)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pools.Close()

	var secretStore secrets.Store
	if cfg.Vault.Enabled {
		secretStore = secrets.NewVaultClient(secrets.VaultConfig{
			Address: cfg.Vault.Address,
			Token:   cfg.Vault.Token,
			Mount:   cfg.Vault.Mount,
			Timeout: cfg.Vault.Timeout,
		})
	} else {
		logger.Warn("vault disabled, agent tokens held in memory only")
		secretStore = secrets.NewMemory()
	}

	notifier := dispatch.NewNotifier(logger)
	defer notifier.Close()

	dispatcher := dispatch.NewDispatcher(pools.Agent, notifier, logger)
	service := plane.NewService(pools.Agent, pools.API, secretStore, dispatcher, logger)
	service.SetCommandEvents(plane.LogCommandEvents{Logger: logger})

	agentVerifier := auth.NewAgentVerifier(pools.Agent, secretStore, cfg.Auth.TokenCacheTTL)
	jwtVerifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	api := httpapi.New(service, agentVerifier, jwtVerifier, cfg.Commands.DefaultWait, cfg.Commands.MaxWait, logger)

	reconciler := plane.NewReconciler(pools.API, cfg.Commands.ReconcileInterval, cfg.Agents.OfflineAfter, logger)
	go reconciler.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket write timeout: wait responses can legitimately take
		// the full long-poll window.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	dataDir := filepath.Join(filepath.Dir(configPath), "data")
	dbPath := filepath.Join(dataDir, "plane.db")

	configContent := fmt.Sprintf(`# stacker-plane configuration
# Generated by stacker-plane init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"
  agent_conns: 8
  api_conns: 4

vault:
  enabled: false
  address: "http://127.0.0.1:8200"
  token: "${VAULT_TOKEN}"
  mount: "secret"
  timeout: "5s"

auth:
  jwt_secret: "${STACKER_JWT_SECRET}"
  token_cache_ttl: "1m"

commands:
  default_wait: "30s"
  max_wait: "120s"
  reconcile_interval: "30s"

agents:
  offline_after: "5m"

logging:
  level: "info"
  format: "text"
`, dbPath)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Set STACKER_JWT_SECRET, then start the server:")
	fmt.Println("  stacker-plane serve")

	return nil
}
