// ABOUTME: Gateway wiring the store, pairing, ledger, and discovery into one server
// ABOUTME: Owns the HTTP and tsnet listeners, background sweeps, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/discovery"
	"github.com/burrownet/burrow/internal/identity"
	"github.com/burrownet/burrow/internal/ledger"
	"github.com/burrownet/burrow/internal/pairing"
	"github.com/burrownet/burrow/internal/store"
)

// Version is reported on the liveness endpoint and by the CLI.
const Version = "0.3.0"

// Background sweep cadence and limits
const (
	statusSweepInterval = time.Minute
	pruneSweepInterval  = time.Hour
	sweepTimeout        = 10 * time.Second

	// ceremonyRetention keeps terminal ceremonies queryable for status
	// polling and the audit trail before the prune sweep removes them.
	ceremonyRetention = 24 * time.Hour

	// defaultOfflineAfter marks devices offline when their last probe
	// result is older than this and discovery.offline_after is unset.
	defaultOfflineAfter = 5 * time.Minute
)

// Gateway is the device-facing server. It hosts the pairing ceremony
// endpoints, the token-guarded registry API, and the liveness endpoint peers
// probe, over plain TCP or a tsnet node.
type Gateway struct {
	config      *config.Config
	store       store.Store
	identity    *identity.Identity
	ledger      *ledger.Ledger
	coordinator *pairing.Coordinator
	discovery   *discovery.Service
	merger      *identity.Merger
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// advertiseURL is the base URL peers use to reach this device; join
	// URLs are built from it.
	advertiseURL string

	startedAt time.Time

	sweepDone chan struct{}
	mu        sync.Mutex
	closed    bool
}

// New creates a Gateway from configuration. It opens the store, loads or
// creates the device identity next to the database, and mirrors that
// identity into the registry before any listener starts.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, dbPath, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	ident, err := loadIdentity(dbPath, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		store:    st,
		identity: ident,
		ledger:   ledger.New(st, logger),
		coordinator: pairing.NewCoordinator(st, logger, pairing.Options{
			TTL:           cfg.Pairing.CeremonyTTL,
			RetryLimit:    cfg.Pairing.PinRetryLimit,
			SweepInterval: cfg.Pairing.SweepInterval,
		}),
		discovery:    discovery.NewService(st, logger, discovery.Options{ProbeTimeout: cfg.Discovery.ProbeTimeout}),
		merger:       identity.NewMerger(st, logger),
		logger:       logger.With("component", "gateway"),
		advertiseURL: strings.TrimRight(determineAdvertiseURL(cfg), "/"),
		startedAt:    time.Now(),
		sweepDone:    make(chan struct{}),
	}

	if err := gw.registerSelf(context.Background()); err != nil {
		gw.coordinator.Close()
		_ = st.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// initStore opens the SQLite store, honoring the BURROW_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, string, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BURROW_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("initializing store: %w", err)
	}
	return st, dbPath, nil
}

// loadIdentity reads or creates the device identity file next to the
// database. An in-memory database gets an ephemeral identity.
func loadIdentity(dbPath string, logger *slog.Logger) (*identity.Identity, error) {
	if dbPath == ":memory:" {
		return identity.New(time.Now())
	}

	path := filepath.Join(filepath.Dir(dbPath), identity.FileName)
	ident, created, err := identity.LoadOrCreate(path, time.Now())
	if err != nil {
		return nil, fmt.Errorf("loading device identity: %w", err)
	}
	if created {
		logger.Info("created device identity", "id", ident.ID, "name", ident.Name, "path", path)
	}
	return ident, nil
}

// determineAdvertiseURL resolves the base URL peers should use to reach this
// device. Explicit configuration wins; a tsnet node later upgrades it to the
// tailnet DNS name once one is known.
func determineAdvertiseURL(cfg *config.Config) string {
	if cfg.Server.AdvertiseURL != "" {
		return cfg.Server.AdvertiseURL
	}
	if envURL := os.Getenv("BURROW_URL"); envURL != "" {
		return envURL
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// registerSelf mirrors the local identity into the device registry and flags
// it as the current device. Pairing responses and capability probes read
// this row, so it exists before any listener accepts traffic.
func (g *Gateway) registerSelf(ctx context.Context) error {
	name := g.config.Device.Name
	if name == "" {
		name = g.identity.Name
	}

	now := time.Now().UTC()
	host, port := splitListenAddr(g.config.Server.HTTPAddr)
	device := &store.Device{
		ID:           g.identity.ID,
		Owner:        g.config.Device.Owner,
		Name:         name,
		Addr:         host,
		Port:         port,
		Capabilities: g.config.Device.Capabilities,
		Status:       store.DeviceOnline,
		LastSeen:     &now,
		CreatedAt:    g.identity.CreatedAt,
		UpdatedAt:    now,
	}

	if err := g.store.UpsertDevice(ctx, device); err != nil {
		return fmt.Errorf("registering local device: %w", err)
	}
	if err := g.store.SetCurrentDevice(ctx, g.identity.ID); err != nil {
		return fmt.Errorf("flagging current device: %w", err)
	}
	// The upsert leaves liveness columns alone on an existing row; starting
	// up is itself proof of life, so stamp them explicitly.
	if err := g.store.TouchDeviceStatus(ctx, g.identity.ID, store.DeviceOnline, &now); err != nil {
		return fmt.Errorf("stamping local device status: %w", err)
	}
	return nil
}

// splitListenAddr extracts host and port from a listen address. The host may
// be empty, as in ":6969".
func splitListenAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Run starts the gateway and blocks until the context is canceled, a
// shutdown signal arrives, or the server fails. Returns nil on graceful
// shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startSweeps()
	errCh := g.startServer(ln)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the listener the HTTP server will serve on: a plain
// TCP socket by default, or a tsnet node when tailscale is enabled.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// setupTailscaleListener brings up a tsnet node and listens inside the
// tailnet, giving paired devices an away-from-home path without opening any
// ports on the router.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state directory: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)

	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.adoptTailnetDNSName(status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port 80: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the configured state directory or the
// default under the user's home.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "burrow", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the configured auth key or the TS_AUTHKEY
// environment variable.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or the TS_AUTHKEY environment variable (create one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// adoptTailnetDNSName switches join URLs to the tailnet DNS name unless an
// advertise URL was configured explicitly.
func (g *Gateway) adoptTailnetDNSName(status *ipnstate.Status) {
	if g.config.Server.AdvertiseURL != "" || status.Self == nil || status.Self.DNSName == "" {
		return
	}

	url := "http://" + strings.TrimSuffix(status.Self.DNSName, ".")
	if url != g.advertiseURL {
		g.logger.Info("advertising tailnet DNS name", "old", g.advertiseURL, "new", url)
		g.advertiseURL = url
	}
}

// startServer starts the HTTP server on the listener, reporting a failure on
// the returned channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String(), "device", g.identity.ID)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal blocks until the context is canceled, SIGINT or
// SIGTERM arrives, or the server reports an error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, shutting down")
		return nil
	case sig := <-sigCh:
		g.logger.Info("received signal, shutting down", "signal", sig.String())
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown stops everything with a fresh timeout, separate from the
// run context which is already canceled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("shutdown error", "error", err)
		return err
	}

	g.logger.Info("gateway stopped")
	return nil
}

// startSweeps launches the background maintenance loops: flipping devices
// whose probes have gone stale to offline, and pruning terminal ceremonies
// past the retention window.
func (g *Gateway) startSweeps() {
	offlineAfter := g.config.Discovery.OfflineAfter
	if offlineAfter <= 0 {
		offlineAfter = defaultOfflineAfter
	}

	go g.sweepStaleDevices(offlineAfter)
	go g.sweepCeremonies()
}

func (g *Gateway) sweepStaleDevices(offlineAfter time.Duration) {
	ticker := time.NewTicker(statusSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			flipped, err := g.store.MarkStaleDevicesOffline(ctx, time.Now().Add(-offlineAfter))
			cancel()
			if err != nil {
				g.logger.Error("marking stale devices offline", "error", err)
			} else if flipped > 0 {
				g.logger.Info("marked stale devices offline", "count", flipped)
			}
		case <-g.sweepDone:
			return
		}
	}
}

func (g *Gateway) sweepCeremonies() {
	ticker := time.NewTicker(pruneSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			pruned, err := g.store.PruneCeremonies(ctx, time.Now().Add(-ceremonyRetention))
			cancel()
			if err != nil {
				g.logger.Error("pruning ceremonies", "error", err)
			} else if pruned > 0 {
				g.logger.Info("pruned ceremonies", "count", pruned)
			}
		case <-g.sweepDone:
			return
		}
	}
}

func (g *Gateway) stopSweeps() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		close(g.sweepDone)
		g.closed = true
	}
}

// appendCloseError appends a labeled error to errs if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server, background sweeps, the pairing
// coordinator, and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.stopSweeps()
	g.coordinator.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth is the unauthenticated liveness check for load balancers and
// humans with curl. Capability probes use /livez instead.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
