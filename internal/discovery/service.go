// ABOUTME: Capability-based device selection backed by concurrent liveness probes
// ABOUTME: Picks the lowest-latency online peer, tie-breaking on device id

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/burrownet/burrow/internal/store"
)

// Probe timing defaults
const (
	// DefaultProbeTimeout bounds a single liveness probe.
	DefaultProbeTimeout = 2 * time.Second
	// DefaultSelectTimeout bounds a whole selection round.
	DefaultSelectTimeout = 2 * time.Second
)

// ErrNoCapableDevice is returned when no online device can serve a capability.
var ErrNoCapableDevice = errors.New("no capable device reachable")

// Store is the persistence surface the discovery service needs.
type Store interface {
	ListDevicesByCapability(ctx context.Context, capability string) ([]*store.Device, error)
	GetHeldToken(ctx context.Context, peerDeviceID string) (*store.HeldToken, error)
	PutDiscoveryRecord(ctx context.Context, rec *store.DiscoveryRecord) error
	TouchDeviceStatus(ctx context.Context, id, status string, seenAt *time.Time) error
}

// Service probes peers and routes capability requests to the best one.
type Service struct {
	store        Store
	logger       *slog.Logger
	client       *http.Client
	probeTimeout time.Duration

	probeFn func(ctx context.Context, device *store.Device, heldSecret string, timeout time.Duration) *Result
}

// Options configures a discovery service.
type Options struct {
	// ProbeTimeout bounds each individual liveness probe.
	// Zero means DefaultProbeTimeout.
	ProbeTimeout time.Duration
	// Client overrides the HTTP client used for probes.
	Client *http.Client
}

// NewService creates a discovery service.
func NewService(st Store, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	s := &Service{
		store:        st,
		logger:       logger.With("component", "discovery"),
		client:       client,
		probeTimeout: opts.ProbeTimeout,
	}
	s.probeFn = s.Probe
	return s
}

// Selection is the device chosen for a capability and the latency that won.
type Selection struct {
	Device  *store.Device
	Latency time.Duration
}

// Select finds the best device currently able to serve a capability. All
// candidates are probed concurrently under one deadline, so a slow peer
// never delays the others beyond it. Online devices compete on latency,
// ties going to the lexicographically smaller device id so equal-latency
// rounds stay deterministic. Returns ErrNoCapableDevice when no candidate
// exists or none is online.
func (s *Service) Select(ctx context.Context, capability string, timeout time.Duration) (*Selection, error) {
	if timeout <= 0 {
		timeout = DefaultSelectTimeout
	}

	devices, err := s.store.ListDevicesByCapability(ctx, capability)
	if err != nil {
		return nil, fmt.Errorf("listing devices for capability %s: %w", capability, err)
	}
	if len(devices) == 0 {
		return nil, ErrNoCapableDevice
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]*Result, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	for i, device := range devices {
		g.Go(func() error {
			results[i] = s.probeCandidate(gctx, device)
			return nil
		})
	}
	// Probes report outcomes, never errors; Wait just joins them.
	_ = g.Wait()

	var best *Selection
	for i, res := range results {
		if res == nil || !res.Online() {
			continue
		}
		switch {
		case best == nil:
			best = &Selection{Device: devices[i], Latency: res.Latency}
		case res.Latency < best.Latency:
			best = &Selection{Device: devices[i], Latency: res.Latency}
		case res.Latency == best.Latency && devices[i].ID < best.Device.ID:
			best = &Selection{Device: devices[i], Latency: res.Latency}
		}
	}
	if best == nil {
		s.logger.Info("no capable device reachable", "capability", capability, "candidates", len(devices))
		return nil, ErrNoCapableDevice
	}

	s.logger.Debug("selected device",
		"capability", capability,
		"device", best.Device.ID,
		"latency_ms", best.Latency.Milliseconds())
	return best, nil
}

// probeCandidate resolves the held token for a device and probes it. A peer
// we hold no token for cannot answer an authenticated probe, so it goes
// straight to needs_repair without a network call.
func (s *Service) probeCandidate(ctx context.Context, device *store.Device) *Result {
	held, err := s.store.GetHeldToken(ctx, device.ID)
	if errors.Is(err, store.ErrNotFound) {
		result := &Result{
			DeviceID:  device.ID,
			Status:    store.DeviceNeedsRepair,
			CheckedAt: time.Now().UTC(),
		}
		s.persist(result)
		return result
	}
	if err != nil {
		s.logger.Error("loading held token", "device", device.ID, "error", err)
		return nil
	}

	return s.probeFn(ctx, device, held.Token, s.probeTimeout)
}
