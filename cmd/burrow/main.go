// ABOUTME: Entry point for the burrow device daemon and its CLI
// ABOUTME: Serves the peer API, bootstraps the owner token, and drives pairing

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/gateway"
	"github.com/burrownet/burrow/internal/identity"
	"github.com/burrownet/burrow/internal/ledger"
	"github.com/burrownet/burrow/internal/pairing"
	"github.com/burrownet/burrow/internal/store"
)

const banner = `
 _
| |__  _   _ _ __ _ __ _____      __
| '_ \| | | | '__| '__/ _ \ \ /\ / /
| |_) | |_| | |  | | | (_) \ V  V /
|_.__/ \__,_|_|  |_|  \___/ \_/\_/
`

// getConfigPath returns the path to the burrow config file.
// Priority: BURROW_CONFIG env var > XDG_CONFIG_HOME/burrow/burrow.yaml > ~/.config/burrow/burrow.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BURROW_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "burrow.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "burrow", "burrow.yaml")
}

// getDataPath returns the path to the burrow data directory.
// Priority: XDG_DATA_HOME/burrow > ~/.local/share/burrow
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "burrow")
}

// getTokenPath returns the path of the owner token file written by bootstrap.
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

// getToken returns the owner bearer token for CLI calls.
// Priority: BURROW_TOKEN env var > token file next to the config.
func getToken() string {
	if token := os.Getenv("BURROW_TOKEN"); token != "" {
		return token
	}

	data, err := os.ReadFile(getTokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
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
	case "bootstrap":
		err = runBootstrap(ctx)
	case "health":
		err = runHealth(ctx)
	case "devices":
		err = runDevices(ctx)
	case "pair":
		err = runPair(ctx)
	case "join":
		err = runJoin(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: burrow <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  serve                   Start the burrow daemon")
	fmt.Println("  init                    Create a config file interactively")
	fmt.Println("  bootstrap --name NAME   First-time setup: config, identity, owner token")
	fmt.Println("  health                  Check daemon health")
	fmt.Println("  devices                 List paired devices and their status")
	fmt.Println("  pair                    Start a pairing ceremony and wait for the new device")
	fmt.Println("  join URL                Complete a pairing ceremony from the new device")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  BURROW_CONFIG           Config file path (default: ~/.config/burrow/burrow.yaml)")
	fmt.Println("  BURROW_TOKEN            Bearer token (default: read from the token file)")
	fmt.Println("  BURROW_URL              Base URL of the daemon for CLI calls")
	fmt.Println()
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", gateway.Version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:       %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:     %s\n", cfg.Database.Path)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:         %s\n", cfg.Server.HTTPAddr)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:    ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	if len(cfg.Device.Capabilities) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Capabilities: %s\n", strings.Join(cfg.Device.Capabilities, ", "))
	}

	fmt.Println()

	logger.Info("starting burrow",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"tailscale", cfg.Tailscale.Enabled,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
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

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
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

// baseURL resolves where CLI commands reach the daemon.
// Priority: BURROW_URL env var > advertise_url > the listen address.
func baseURL(cfg *config.Config) string {
	if envURL := os.Getenv("BURROW_URL"); envURL != "" {
		return strings.TrimRight(envURL, "/")
	}
	if cfg.Server.AdvertiseURL != "" {
		return strings.TrimRight(cfg.Server.AdvertiseURL, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

// apiGet performs an authenticated GET against the daemon and decodes the
// JSON response into out.
func apiGet(ctx context.Context, url, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling daemon: %w", err)
	}
	defer resp.Body.Close()

	return decodeAPIResponse(resp, out)
}

// apiPost performs an authenticated POST with a JSON body and decodes the
// JSON response into out.
func apiPost(ctx context.Context, url, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling daemon: %w", err)
	}
	defer resp.Body.Close()

	return decodeAPIResponse(resp, out)
}

// decodeAPIResponse turns non-2xx responses into errors carrying the
// daemon's error phrase and decodes successful bodies into out.
func decodeAPIResponse(resp *http.Response, out any) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New("unauthorized: run 'burrow bootstrap' first or set BURROW_TOKEN")
	}
	if resp.StatusCode >= 400 {
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body["error"] != "" {
			return fmt.Errorf("%s (status %d)", body["error"], resp.StatusCode)
		}
		return fmt.Errorf("daemon answered with status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := baseURL(cfg) + "/health"
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

func runDevices(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var resp gateway.ListDevicesResponse
	if err := apiGet(ctx, baseURL(cfg)+"/api/devices", getToken(), &resp); err != nil {
		return err
	}

	if len(resp.Devices) == 0 {
		fmt.Println("No devices registered. Pair one with: burrow pair")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tID\tSTATUS\tLATENCY\tCAPABILITIES")
	for _, d := range resp.Devices {
		name := d.Name
		if d.Current {
			name += " *"
		}
		latency := "-"
		if d.Status == store.DeviceOnline {
			latency = fmt.Sprintf("%dms", d.LatencyMs)
		}
		caps := "-"
		if len(d.Capabilities) > 0 {
			caps = strings.Join(d.Capabilities, ",")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", name, d.ID, gateway.StatusPhrase(d.Status), latency, caps)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("  * = current device")
	return nil
}

// pairPollInterval is how often runPair asks the daemon for ceremony progress.
const pairPollInterval = 2 * time.Second

// runPair opens a pairing ceremony, prints the join URL for the new device,
// and watches ceremony progress until it registers, fails, or expires.
func runPair(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	base := baseURL(cfg)
	token := getToken()

	var started gateway.StartPairingResponse
	if err := apiPost(ctx, base+"/pair/start", token, nil, &started); err != nil {
		return err
	}

	expires, err := time.Parse(time.RFC3339, started.ExpiresAt)
	if err != nil {
		return fmt.Errorf("parsing ceremony expiry: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	fmt.Println()
	green.Println("  Pairing ceremony started")
	fmt.Println()
	fmt.Print("  Open this URL on the new device: ")
	cyan.Println(started.JoinURL)
	gray.Printf("  Expires %s\n", expires.Local().Format("15:04:05"))
	fmt.Println()
	fmt.Println("  The new device will show a 6-digit PIN. Confirm it there.")
	fmt.Println("  Waiting... (Ctrl-C to stop watching; the ceremony expires on its own)")
	fmt.Println()

	return watchCeremony(ctx, base, started.CeremonyID, expires)
}

// watchCeremony polls the ceremony status endpoint until a terminal state.
func watchCeremony(ctx context.Context, base, ceremonyID string, expires time.Time) error {
	ticker := time.NewTicker(pairPollInterval)
	defer ticker.Stop()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	lastState := store.CeremonyTokenCreated
	// The daemon's sweep flips expired ceremonies to failed on its own
	// schedule; the deadline here just stops a CLI that would poll forever.
	deadline := expires.Add(time.Minute)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("  Stopped watching. Check later with: burrow devices")
			return nil
		case <-ticker.C:
			var status gateway.StatusResponse
			if err := apiGet(ctx, base+"/pair/status?ceremony="+ceremonyID, "", &status); err != nil {
				return err
			}

			if status.State != lastState {
				switch status.State {
				case store.CeremonyDeviceConnected:
					fmt.Println("  Device connected, PIN on its screen...")
				case store.CeremonyPinVerified:
					fmt.Println("  PIN verified, registering...")
				case store.CeremonyDeviceRegistered:
					green.Println("  ✓ Device paired!")
					fmt.Println()
					fmt.Println("  See it with: burrow devices")
					return nil
				case store.CeremonyFailed:
					return fmt.Errorf("pairing failed: %s", status.FailureReason)
				}
				lastState = status.State
			}

			if status.Expired || time.Now().After(deadline) {
				yellow.Println("  Pairing code expired. Start over with: burrow pair")
				return nil
			}
		}
	}
}

// parseJoinURL validates a join URL and extracts the ceremony id, which
// rides in the fragment so it survives copy-paste without reaching access
// logs along the way.
func parseJoinURL(raw string) (*url.URL, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parsing join URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("join URL must be http or https: %q", raw)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("join URL has no host: %q", raw)
	}
	if u.Fragment == "" {
		return nil, "", fmt.Errorf("join URL carries no ceremony id: %q", raw)
	}
	return u, u.Fragment, nil
}

// runJoin completes a pairing ceremony from the new device's side. It
// connects with the ceremony id from the join URL, shows the PIN for the
// owner to confirm, then presents this device's identity and keeps what the
// host grants: its registry entry and a bearer token for capability probes.
func runJoin(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: burrow join <join-url>")
	}

	u, ceremonyID, err := parseJoinURL(os.Args[2])
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config (run 'burrow bootstrap' first): %w", err)
	}

	identPath := filepath.Join(filepath.Dir(cfg.Database.Path), identity.FileName)
	ident, err := identity.Load(identPath)
	if err != nil {
		return fmt.Errorf("loading identity (run 'burrow bootstrap' first): %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if !pairing.IsLANHost(u.Hostname()) {
		// Tailnet DNS names land here too; whether to accept is the host's
		// call, this is just a heads-up.
		yellow.Printf("  ! %s is not a LAN address; the host refuses outside callers unless pairing.allow_external is set\n", u.Hostname())
	}

	base := u.Scheme + "://" + u.Host

	var connected gateway.ConnectResponse
	if err := apiPost(ctx, base+"/pair/connect", "", gateway.ConnectRequest{CeremonyID: ceremonyID}, &connected); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("  Confirm this PIN with the device owner:")
	fmt.Println()
	cyan.Printf("      %s\n", connected.Pin)
	fmt.Println()
	fmt.Print("  Press Enter to finish pairing (Ctrl-C to abort)... ")
	if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}

	name := cfg.Device.Name
	if name == "" {
		name = ident.Name
	}
	host, port := splitHostPort(cfg.Server.HTTPAddr)

	verify := gateway.VerifyRequest{
		CeremonyID: ceremonyID,
		Pin:        connected.Pin,
		Identity: gateway.PeerIdentity{
			ID:           ident.ID,
			Name:         name,
			Address:      host,
			Port:         port,
			Capabilities: cfg.Device.Capabilities,
			Owner:        cfg.Device.Owner,
		},
	}

	var verified gateway.VerifyResponse
	if err := apiPost(ctx, base+"/pair/verify", "", verify, &verified); err != nil {
		return err
	}

	expires, err := time.Parse(time.RFC3339, verified.ExpiresAt)
	if err != nil {
		return fmt.Errorf("parsing token expiry: %w", err)
	}

	if err := saveHostPairing(ctx, cfg, u, &verified, expires); err != nil {
		return err
	}

	fmt.Println()
	green.Printf("  ✓ Paired with %s\n", verified.Device.Name)
	fmt.Println()
	fmt.Printf("  Host:   %s (%s)\n", verified.Device.Name, verified.Device.ID)
	fmt.Printf("  Token:  expires %s\n", expires.Format("Jan 02, 2006"))
	fmt.Println()
	fmt.Println("  See it with: burrow devices")
	fmt.Println()

	return nil
}

// saveHostPairing records the host in the local registry and keeps the token
// it granted. The host's own idea of its address may be a loopback listen
// address, so the registry row keeps the address the ceremony actually ran
// over.
func saveHostPairing(ctx context.Context, cfg *config.Config, u *url.URL, verified *gateway.VerifyResponse, expires time.Time) error {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	port := verified.Device.Port
	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}

	now := time.Now().UTC()
	created := now
	if t, err := time.Parse(time.RFC3339, verified.Device.CreatedAt); err == nil {
		created = t
	}

	device := &store.Device{
		ID:           verified.Device.ID,
		Owner:        verified.Device.Owner,
		Name:         verified.Device.Name,
		Addr:         u.Hostname(),
		Port:         port,
		Capabilities: verified.Device.Capabilities,
		Status:       store.DeviceOnline,
		LastSeen:     &now,
		CreatedAt:    created,
		UpdatedAt:    now,
	}
	if err := s.UpsertDevice(ctx, device); err != nil {
		return fmt.Errorf("registering host device: %w", err)
	}
	// Re-pairing hits an existing row and the upsert leaves its liveness
	// columns alone; answering the ceremony is contact enough.
	if err := s.TouchDeviceStatus(ctx, verified.Device.ID, store.DeviceOnline, &now); err != nil {
		return fmt.Errorf("stamping host status: %w", err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := ledger.New(s, quiet).StoreHeld(ctx, verified.Device.ID, verified.Token, verified.Permissions, expires); err != nil {
		return fmt.Errorf("storing granted token: %w", err)
	}

	return nil
}

// runBootstrap performs first-time setup of a burrow device:
// 1. Creates a config file (if not exists)
// 2. Creates the database and the device identity
// 3. Issues the owner token and saves it for CLI use
//
// This is a one-command setup: burrow bootstrap --name "Living Room"
func runBootstrap(ctx context.Context) error {
	// Parse args with explicit error handling
	// Supports both "--name value" and "--name=value" formats
	var deviceName, owner string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			deviceName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			deviceName = strings.TrimPrefix(arg, "--name=")
		case arg == "--owner" || arg == "-o":
			if i+1 >= len(args) {
				return fmt.Errorf("--owner requires a value")
			}
			owner = args[i+1]
			i++
		case strings.HasPrefix(arg, "--owner="):
			owner = strings.TrimPrefix(arg, "--owner=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if deviceName == "" {
		return fmt.Errorf("--name flag is required")
	}

	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		return fmt.Errorf("device name cannot be empty or whitespace only")
	}
	if len(deviceName) > 100 {
		return fmt.Errorf("device name exceeds maximum length of 100 characters")
	}

	configPath := getConfigPath()
	tokenPath := getTokenPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "burrow.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	// A token file means a previous bootstrap completed
	if _, err := os.Stat(tokenPath); err == nil {
		return fmt.Errorf("bootstrap already complete: owner token exists at %s", tokenPath)
	}

	// Check if config exists, create if not
	var cfg *config.Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Create config directory
		configDir := filepath.Dir(configPath)
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		// Create data directory
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		// Write config file
		configContent := fmt.Sprintf(`# burrow configuration
# Generated by burrow bootstrap

server:
  http_addr: "localhost:3000"

database:
  path: "%s"

device:
  name: "%s"
  owner: "%s"
  capabilities: []

pairing:
  ceremony_ttl: "5m"
  pin_retry_limit: 5

logging:
  level: "info"
  format: "text"
`, dbPath, deviceName, owner)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		green.Printf("  ✓ Created config: %s\n", configPath)

		// Load the config we just created
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		// Config exists, load it
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cyan.Printf("  Using existing config: %s\n", configPath)
		dbPath = cfg.Database.Path
		if cfg.Device.Owner != "" {
			owner = cfg.Device.Owner
		}
	}

	// Open the store directly
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", dbPath)

	// Create or load the device identity next to the database
	identPath := filepath.Join(filepath.Dir(dbPath), identity.FileName)
	ident, created, err := identity.LoadOrCreate(identPath, time.Now())
	if err != nil {
		return fmt.Errorf("creating device identity: %w", err)
	}
	if created {
		green.Printf("  ✓ Created identity: %s\n", identPath)
	} else {
		cyan.Printf("  Using existing identity: %s\n", identPath)
	}

	// Register this device in its own registry and flag it current
	host, port := splitHostPort(cfg.Server.HTTPAddr)
	now := time.Now().UTC()
	device := &store.Device{
		ID:           ident.ID,
		Owner:        owner,
		Name:         deviceName,
		Addr:         host,
		Port:         port,
		Capabilities: cfg.Device.Capabilities,
		CreatedAt:    ident.CreatedAt,
		UpdatedAt:    now,
	}
	if err := s.UpsertDevice(ctx, device); err != nil {
		return fmt.Errorf("registering device: %w", err)
	}
	if err := s.SetCurrentDevice(ctx, ident.ID); err != nil {
		return fmt.Errorf("flagging current device: %w", err)
	}

	// Issue the owner token: the default grant plus registry management
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	perms := append([]string{ledger.PermissionManageDevices}, ledger.DefaultPermissions...)
	token, err := ledger.New(s, quiet).Issue(ctx, ident.ID, perms, now)
	if err != nil {
		return fmt.Errorf("issuing owner token: %w", err)
	}

	// Save token to file for CLI commands to read
	if err := os.WriteFile(tokenPath, []byte(token.Token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green.Printf("  ✓ Saved owner token: %s\n", tokenPath)

	// Print results
	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  This Device")
	cyan.Println("  -----------")
	fmt.Printf("  ID:     %s\n", ident.ID)
	fmt.Printf("  Name:   %s\n", deviceName)
	if owner != "" {
		fmt.Printf("  Owner:  %s\n", owner)
	}
	fmt.Printf("  Token:  %s (expires %s)\n", tokenPath, token.ExpiresAt.Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    burrow serve     # start the daemon")
	fmt.Println("    burrow pair      # pair another device")
	fmt.Println()

	return nil
}

// splitHostPort splits a listen address, tolerating a bare host.
func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("burrow configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "burrow.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:3000")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Device
	fmt.Println("\n--- Device Configuration ---")
	hostname, _ := os.Hostname()
	deviceName := prompt(reader, "Device name", hostname)
	owner := prompt(reader, "Owner (optional)", "")
	capsRaw := prompt(reader, "Capabilities (comma-separated, e.g. media.storage)", "")

	var capabilities []string
	for _, c := range strings.Split(capsRaw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			capabilities = append(capabilities, c)
		}
	}

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Enable Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "burrow")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# burrow configuration\n")
	cfg.WriteString("# Generated by burrow init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("device:\n")
	cfg.WriteString(fmt.Sprintf("  name: \"%s\"\n", deviceName))
	if owner != "" {
		cfg.WriteString(fmt.Sprintf("  owner: \"%s\"\n", owner))
	}
	if len(capabilities) > 0 {
		cfg.WriteString("  capabilities:\n")
		for _, c := range capabilities {
			cfg.WriteString(fmt.Sprintf("    - \"%s\"\n", c))
		}
	} else {
		cfg.WriteString("  capabilities: []\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("pairing:\n")
	cfg.WriteString("  ceremony_ttl: \"5m\"\n")
	cfg.WriteString("  pin_retry_limit: 5\n")
	cfg.WriteString("\n")

	cfg.WriteString("discovery:\n")
	cfg.WriteString("  probe_timeout: \"2s\"\n")
	cfg.WriteString("  offline_after: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  burrow bootstrap --name \"%s\"\n", deviceName)
	fmt.Printf("  burrow serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
