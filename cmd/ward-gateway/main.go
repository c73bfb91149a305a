// ABOUTME: Entry point for the ward-gateway control server
// ABOUTME: Authorizes operator connections and gates exec actions behind approvals

package main

import (
	"context"
	"encoding/json"
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

	"github.com/2389/ward-gateway/internal/approval"
	"github.com/2389/ward-gateway/internal/audit"
	"github.com/2389/ward-gateway/internal/auth"
	"github.com/2389/ward-gateway/internal/config"
	"github.com/2389/ward-gateway/internal/policy"
	"github.com/2389/ward-gateway/internal/ratelimit"
	"github.com/2389/ward-gateway/internal/registry"
	"github.com/2389/ward-gateway/internal/rpc"
	"github.com/2389/ward-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                       _                     _
__      ____ _ _ __ __| |        __ _  __ _| |_ _____      ____ _ _   _
\ \ /\ / / _' | '__/ _' | _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 \ V  V / (_| | | | (_| ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \_/\_/ \__,_|_|  \__,_|        \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                 |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: WARD_CONFIG env var > XDG_CONFIG_HOME/ward/gateway.yaml > ~/.config/ward/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ward", "gateway.yaml")
}

// getDataPath returns the path to the ward data directory.
// Priority: XDG_DATA_HOME/ward > ~/.local/share/ward
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "ward")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: ward-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Create a starter config file")
		fmt.Println("  health   Check gateway health")
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

	// Print banner
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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:  %s\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Audit:   %s\n", cfg.Audit.Path)
	if cfg.Policy.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Policy:  %s", cfg.Policy.Path)
		if cfg.Policy.FailClosed {
			yellow.Print(" [fail-closed]")
		}
		fmt.Println()
	}
	if cfg.Auth.Disabled {
		yellow.Println("    ▶ Auth is DISABLED; anonymous connections are admitted")
	}
	fmt.Println()

	logger.Info("starting ward-gateway",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
	)

	auditLog, err := audit.Open(cfg.Audit.Path, logger)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLog.Close()

	pol := policy.NewManager(policy.Config{
		Enabled:       cfg.Policy.Enabled,
		FailClosed:    cfg.Policy.FailClosed,
		PayloadPath:   cfg.Policy.Path,
		SignaturePath: cfg.Policy.SignaturePath,
		PublicKeyPath: cfg.Policy.PublicKeyPath,
	}, logger)
	auditPolicyLoad(auditLog, pol.Load(), logger)

	db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	var tokens auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	sshVerifier := auth.NewSSHVerifier()
	defer sshVerifier.Close()
	authenticator := auth.NewAuthenticator(tokens, sshVerifier, cfg.Auth.Disabled, logger)

	reg := registry.New(logger)
	approvals := approval.NewManager(reg, reg, auditLog, pol, cfg.Approvals.Timeout, logger)

	limiter := ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, cfg.RateLimit.Capacity, logger)
	defer limiter.Close()

	gw, dispatcher := rpc.NewGateway(cfg, reg, approvals, pol, db, auditLog, authenticator, logger)
	server := rpc.NewServer(cfg.Server.ListenAddr, gw, dispatcher, limiter, logger)

	// SIGHUP reloads the signed policy pair; the cached state is replaced
	// wholesale and the outcome lands in the audit chain.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			logger.Info("reloading policy on SIGHUP")
			auditPolicyLoad(auditLog, pol.Load(), logger)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	// The deferred audit Close syncs the chain tail to disk.
	return nil
}

// auditPolicyLoad records a policy load outcome in the audit chain.
func auditPolicyLoad(auditLog *audit.Log, st policy.State, logger *slog.Logger) {
	ver := ""
	if st.Policy != nil {
		ver = st.Policy.Version
	}
	if _, err := auditLog.Append(audit.TypePolicyLoad, map[string]any{
		"enabled":  st.Enabled,
		"valid":    st.Valid,
		"lockdown": st.Lockdown,
		"version":  ver,
	}, time.Now().UTC()); err != nil {
		logger.Error("failed to audit policy load", "error", err)
	}
}

const starterConfig = `# ward-gateway configuration
server:
  listen_addr: "127.0.0.1:8787"

auth:
  jwt_secret: "${WARD_JWT_SECRET}"

approvals:
  timeout: "60s"

ratelimit:
  max_requests: 60
  window: "1m"

policy:
  enabled: false
  fail_closed: true
  path: ""
  signature_path: ""
  public_key_path: ""

audit:
  path: "%s"

database:
  path: "%s"

nodes:
  allowlist:
    - "notify.send"
    - "clipboard.read"

logging:
  level: "info"
  format: "text"
`

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	dataPath := getDataPath()
	content := fmt.Sprintf(starterConfig,
		filepath.Join(dataPath, "audit.ndjson"),
		filepath.Join(dataPath, "ward.db"),
	)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.Green("Created %s", configPath)
	fmt.Println("Set WARD_JWT_SECRET before starting the gateway.")
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	var health rpc.HealthResult
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	color.Green("Gateway is %s", health.Status)
	fmt.Printf("  connections:       %d\n", health.Connections)
	fmt.Printf("  pending approvals: %d\n", health.PendingApprovals)
	if health.Lockdown {
		color.Red("  POLICY LOCKDOWN ACTIVE")
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

	return slog.New(handler)
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

	fmt.Println(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{
		level:  h.level,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}
