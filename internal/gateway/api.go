// ABOUTME: HTTP API handlers for pairing, the device registry, and selection
// ABOUTME: Pairing endpoints are open to the LAN; the rest require a bearer token

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/burrownet/burrow/internal/auth"
	"github.com/burrownet/burrow/internal/discovery"
	"github.com/burrownet/burrow/internal/identity"
	"github.com/burrownet/burrow/internal/ledger"
	"github.com/burrownet/burrow/internal/pairing"
	"github.com/burrownet/burrow/internal/store"
)

// StartPairingResponse is the response for POST /pair/start.
type StartPairingResponse struct {
	CeremonyID string `json:"ceremony_id"`
	JoinURL    string `json:"join_url"`
	ExpiresAt  string `json:"expires_at"`
}

// ConnectRequest is the request body for POST /pair/connect.
type ConnectRequest struct {
	CeremonyID string `json:"ceremony_id"`
	Address    string `json:"address,omitempty"`
}

// ConnectResponse is the response for POST /pair/connect.
type ConnectResponse struct {
	Pin       string `json:"pin"`
	ExpiresAt string `json:"expires_at"`
}

// PeerIdentity is the identity a device presents on POST /pair/verify.
type PeerIdentity struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Address      string          `json:"address"`
	Port         int             `json:"port"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	Owner        string          `json:"owner,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// VerifyRequest is the request body for POST /pair/verify.
type VerifyRequest struct {
	CeremonyID string       `json:"ceremony_id"`
	Pin        string       `json:"pin"`
	Identity   PeerIdentity `json:"identity"`
}

// VerifyResponse is the response for POST /pair/verify: the host's own
// registry entry plus the token the peer will hold from now on.
type VerifyResponse struct {
	Device      DeviceResponse `json:"device"`
	Token       string         `json:"token"`
	Permissions []string       `json:"permissions"`
	ExpiresAt   string         `json:"expires_at"`
}

// StatusResponse is the response for GET /pair/status.
type StatusResponse struct {
	State         string `json:"state"`
	Expired       bool   `json:"expired"`
	Failed        bool   `json:"failed"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// DeviceResponse is the registry view of one device, joined with the cached
// discovery status when a probe has run.
type DeviceResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Owner        string          `json:"owner,omitempty"`
	Address      string          `json:"address"`
	Port         int             `json:"port"`
	Capabilities []string        `json:"capabilities"`
	Current      bool            `json:"current"`
	Status       string          `json:"status"`
	LatencyMs    int64           `json:"latency_ms,omitempty"`
	LastChecked  string          `json:"last_checked,omitempty"`
	LastSeen     string          `json:"last_seen,omitempty"`
	Health       json.RawMessage `json:"health,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

// ListDevicesResponse is the response for GET /api/devices.
type ListDevicesResponse struct {
	Devices []DeviceResponse `json:"devices"`
}

// SetCurrentRequest is the request body for POST /api/devices/current.
type SetCurrentRequest struct {
	DeviceID string `json:"device_id"`
}

// SelectResponse is the response for GET /api/select.
type SelectResponse struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	LatencyMs int64  `json:"latency_ms"`
}

// PairingEventResponse is one audit-trail entry of a ceremony.
type PairingEventResponse struct {
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// PairingEventsResponse is the response for GET /api/pair/events.
type PairingEventsResponse struct {
	CeremonyID string                 `json:"ceremony_id"`
	Events     []PairingEventResponse `json:"events"`
}

// registerRoutes wires the HTTP surface. The pairing endpoints are reachable
// without a token because possession of the ceremony id is what gates them;
// everything else goes through the bearer middleware, and registry
// administration additionally requires the devices:manage permission.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/pair/connect", g.handlePairConnect)
	mux.HandleFunc("/pair/verify", g.handlePairVerify)
	mux.HandleFunc("/pair/status", g.handlePairStatus)

	authed := auth.Middleware(g.ledger, g.logger)
	manage := auth.RequirePermission(ledger.PermissionManageDevices)

	mux.Handle("/livez", authed(http.HandlerFunc(g.handleLivez)))
	mux.Handle("/pair/start", authed(manage(http.HandlerFunc(g.handlePairStart))))
	mux.Handle("/api/devices", authed(manage(http.HandlerFunc(g.handleDevices))))
	mux.Handle("/api/devices/", authed(manage(http.HandlerFunc(g.handleDeviceByID))))
	mux.Handle("/api/select", authed(manage(http.HandlerFunc(g.handleSelect))))
	mux.Handle("/api/pair/events", authed(manage(http.HandlerFunc(g.handlePairEvents))))
}

// handlePairStart opens a ceremony and returns the join URL the owner shows
// to the new device, typically as a QR code.
func (g *Gateway) handlePairStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	peer := auth.MustFromContext(r.Context())
	ceremony, err := g.coordinator.Start(r.Context(), peer.DeviceID)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, StartPairingResponse{
		CeremonyID: ceremony.Token,
		JoinURL:    g.joinURL(ceremony.Token),
		ExpiresAt:  ceremony.ExpiresAt.Format(time.RFC3339),
	})
}

// handlePairConnect exchanges a ceremony id for the PIN shown on the new
// device's screen. Only LAN callers may connect unless allow_external is set.
func (g *Gateway) handlePairConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !g.pairingOriginAllowed(r) {
		g.renderError(w, r, errExternalOrigin)
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CeremonyID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "ceremony_id is required")
		return
	}

	addr := req.Address
	if addr == "" {
		addr = r.RemoteAddr
	}

	pin, ceremony, err := g.coordinator.Connect(r.Context(), req.CeremonyID, addr)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, ConnectResponse{
		Pin:       pin,
		ExpiresAt: ceremony.ExpiresAt.Format(time.RFC3339),
	})
}

// handlePairVerify checks the PIN the owner read off the new device, then
// registers the device and issues its bearer token in one registry
// transaction. A fingerprint collision merges into the older identity before
// the token is returned, so the peer always ends up holding a token for the
// canonical device id.
func (g *Gateway) handlePairVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !g.pairingOriginAllowed(r) {
		g.renderError(w, r, errExternalOrigin)
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CeremonyID == "" || req.Pin == "" {
		g.sendJSONError(w, http.StatusBadRequest, "ceremony_id and pin are required")
		return
	}
	if req.Identity.ID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "identity.id is required")
		return
	}

	peer := &store.PeerInfo{
		ID:           req.Identity.ID,
		Name:         req.Identity.Name,
		Addr:         req.Identity.Address,
		Port:         req.Identity.Port,
		Fingerprint:  req.Identity.Fingerprint,
		Owner:        req.Identity.Owner,
		Capabilities: req.Identity.Capabilities,
		Metadata:     req.Identity.Metadata,
	}

	if _, err := g.coordinator.VerifyPin(r.Context(), req.CeremonyID, req.Pin, peer); err != nil {
		g.renderError(w, r, err)
		return
	}

	token, err := g.registerPeer(r.Context(), peer)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	if _, err := g.coordinator.Finalize(r.Context(), req.CeremonyID); err != nil {
		g.renderError(w, r, err)
		return
	}

	self, err := g.store.GetDevice(r.Context(), g.identity.ID)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, VerifyResponse{
		Device:      deviceResponse(self, nil),
		Token:       token.Token,
		Permissions: token.Permissions,
		ExpiresAt:   token.ExpiresAt.Format(time.RFC3339),
	})
}

// handlePairStatus reports ceremony progress to pollers. Possession of the
// ceremony id is the access control here, same as the other pairing routes,
// and the same network boundary applies: ceremony state names the moment a
// PIN becomes guessable, so it stays inside the LAN too.
func (g *Gateway) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !g.pairingOriginAllowed(r) {
		g.renderError(w, r, errExternalOrigin)
		return
	}

	ceremonyID := r.URL.Query().Get("ceremony")
	if ceremonyID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "ceremony is required")
		return
	}

	ceremony, err := g.coordinator.Status(r.Context(), ceremonyID)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, StatusResponse{
		State:         ceremony.State,
		Expired:       pairing.Expired(ceremony, time.Now()),
		Failed:        ceremony.State == store.CeremonyFailed,
		FailureReason: ceremony.FailureReason,
	})
}

// handleLivez answers capability probes from peers. Any valid bearer token
// may ask; a 401 here is itself the signal that tells the prober to flag
// this pairing as needing repair.
func (g *Gateway) handleLivez(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	g.writeJSON(w, http.StatusOK, discovery.LivenessPayload{
		DeviceID:      g.identity.ID,
		CapabilitySet: g.config.Device.Capabilities,
		Health: discovery.HealthSnapshot{
			Status:        "ok",
			Version:       Version,
			UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
		},
	})
}

// handleDevices lists the registry joined with cached discovery results.
// Listing never probes; it reads whatever the last probes recorded.
func (g *Gateway) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	devices, err := g.store.ListDevices(r.Context())
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	response := ListDevicesResponse{Devices: make([]DeviceResponse, 0, len(devices))}
	for _, device := range devices {
		record, err := g.store.GetDiscoveryRecord(r.Context(), device.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			g.renderError(w, r, err)
			return
		}
		response.Devices = append(response.Devices, deviceResponse(device, record))
	}

	g.writeJSON(w, http.StatusOK, response)
}

// handleDeviceByID routes /api/devices/{id}, /api/devices/{id}/tokens, and
// /api/devices/current.
func (g *Gateway) handleDeviceByID(w http.ResponseWriter, r *http.Request) {
	suffix := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	if suffix == "current" {
		g.handleCurrentDevice(w, r)
		return
	}
	if id, ok := strings.CutSuffix(suffix, "/tokens"); ok {
		g.revokeDeviceTokens(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		g.removeDevice(w, r, suffix)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// removeDevice unpairs a device: registry row gone, its tokens revoked, its
// held token dropped, all in one transaction inside the store.
func (g *Gateway) removeDevice(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "device id is required")
		return
	}
	if id == g.identity.ID {
		g.sendJSONError(w, http.StatusBadRequest, "cannot remove the local device")
		return
	}

	if err := g.store.RemoveDevice(r.Context(), id, time.Now()); err != nil {
		g.renderError(w, r, err)
		return
	}

	g.logger.Info("device removed", "device", id)
	w.WriteHeader(http.StatusNoContent)
}

// revokeDeviceTokens revokes every token issued to a device without
// unpairing it. The registry row stays, so the device can still be listed
// and re-paired; its bearer tokens just stop working.
func (g *Gateway) revokeDeviceTokens(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "device id is required")
		return
	}
	if id == g.identity.ID {
		g.sendJSONError(w, http.StatusBadRequest, "cannot revoke the local device's tokens")
		return
	}

	if _, err := g.store.GetDevice(r.Context(), id); err != nil {
		g.renderError(w, r, err)
		return
	}

	if err := g.ledger.Revoke(r.Context(), id, time.Now()); err != nil {
		g.renderError(w, r, err)
		return
	}

	g.logger.Info("device tokens revoked", "device", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleCurrentDevice reads or reassigns which registry entry represents
// this device.
func (g *Gateway) handleCurrentDevice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		device, err := g.store.GetCurrentDevice(r.Context())
		if err != nil {
			g.renderError(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, deviceResponse(device, nil))
	case http.MethodPost:
		g.setCurrentDevice(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// setCurrentDevice flags a registry entry as the local device.
func (g *Gateway) setCurrentDevice(w http.ResponseWriter, r *http.Request) {
	var req SetCurrentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	if err := g.store.SetCurrentDevice(r.Context(), req.DeviceID); err != nil {
		g.renderError(w, r, err)
		return
	}

	device, err := g.store.GetDevice(r.Context(), req.DeviceID)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, deviceResponse(device, nil))
}

// handleSelect probes every device advertising a capability and returns the
// best one.
func (g *Gateway) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	capability := r.URL.Query().Get("capability")
	if capability == "" {
		g.sendJSONError(w, http.StatusBadRequest, "capability is required")
		return
	}

	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = parsed
	}

	selection, err := g.discovery.Select(r.Context(), capability, timeout)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, SelectResponse{
		DeviceID:  selection.Device.ID,
		Name:      selection.Device.Name,
		Address:   selection.Device.Addr,
		Port:      selection.Device.Port,
		LatencyMs: selection.Latency.Milliseconds(),
	})
}

// handlePairEvents returns a ceremony's audit trail, oldest first. Owners use
// it to see after the fact why a pairing stalled or failed. Unknown ceremony
// ids yield an empty trail rather than an error, since pruned ceremonies and
// never-started ones are indistinguishable here.
func (g *Gateway) handlePairEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ceremonyID := r.URL.Query().Get("ceremony")
	if ceremonyID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "ceremony is required")
		return
	}

	events, err := g.store.ListPairingEvents(r.Context(), ceremonyID)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	response := PairingEventsResponse{
		CeremonyID: ceremonyID,
		Events:     make([]PairingEventResponse, 0, len(events)),
	}
	for _, event := range events {
		response.Events = append(response.Events, PairingEventResponse{
			Event:     event.Event,
			Detail:    event.Detail,
			CreatedAt: event.CreatedAt.Format(time.RFC3339),
		})
	}

	g.writeJSON(w, http.StatusOK, response)
}

// registerPeer writes the verified peer into the registry and issues its
// bearer token atomically. When the peer's fingerprint already maps to a
// different device id the records are merged afterwards, and the returned
// token is reloaded so its subject reflects the canonical id.
func (g *Gateway) registerPeer(ctx context.Context, peer *store.PeerInfo) (*store.IssuedToken, error) {
	now := time.Now().UTC()

	decision, err := g.decideIdentity(ctx, peer, now)
	if err != nil {
		return nil, err
	}

	token, err := g.ledger.Mint(peer.ID, nil, now)
	if err != nil {
		return nil, err
	}

	params := store.RegisterDeviceParams{
		Device: &store.Device{
			ID:           peer.ID,
			Owner:        peer.Owner,
			Name:         peer.Name,
			Addr:         peer.Addr,
			Port:         peer.Port,
			Fingerprint:  peer.Fingerprint,
			Capabilities: peer.Capabilities,
			Status:       store.DeviceOnline,
			LastSeen:     &now,
			Metadata:     peer.Metadata,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		Token: token,
	}
	// A merge repoints every mapping inside its own transaction, so the
	// mapping is only written here for new and refreshed identities.
	if peer.Fingerprint != "" && decision.Op != identity.OpMergeInto {
		params.Mapping = &store.FingerprintMapping{
			Owner:       peer.Owner,
			Fingerprint: peer.Fingerprint,
			DeviceID:    peer.ID,
			CreatedAt:   now,
		}
	}

	if err := g.store.RegisterDevice(ctx, params); err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}

	if decision.Op == identity.OpMergeInto {
		if err := g.merger.Merge(ctx, decision.CanonicalID, decision.DuplicateID); err != nil {
			return nil, err
		}
		// The merge may have rewritten the token's subject
		token, err = g.store.GetIssuedToken(ctx, token.Token)
		if err != nil {
			return nil, fmt.Errorf("reloading issued token: %w", err)
		}
	}

	g.logger.Info("paired device registered",
		"device", token.Subject,
		"op", decision.Op.String(),
		"capabilities", len(peer.Capabilities))
	return token, nil
}

// decideIdentity resolves what the registry should do with an arriving
// identity by consulting the fingerprint mapping. Unknown fingerprints and
// dangling mappings both register fresh.
func (g *Gateway) decideIdentity(ctx context.Context, peer *store.PeerInfo, now time.Time) (identity.Decision, error) {
	if peer.Fingerprint == "" {
		return identity.Decision{Op: identity.OpCreateNew}, nil
	}

	mapping, err := g.store.GetFingerprintMapping(ctx, peer.Owner, peer.Fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return identity.Decision{Op: identity.OpCreateNew}, nil
	}
	if err != nil {
		return identity.Decision{}, fmt.Errorf("loading fingerprint mapping: %w", err)
	}

	mapped, err := g.store.GetDevice(ctx, mapping.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		// Dangling mapping; registering fresh repoints it
		return identity.Decision{Op: identity.OpCreateNew}, nil
	}
	if err != nil {
		return identity.Decision{}, fmt.Errorf("loading mapped device: %w", err)
	}

	proposedCreatedAt := now
	if existing, err := g.store.GetDevice(ctx, peer.ID); err == nil {
		proposedCreatedAt = existing.CreatedAt
	}

	return identity.Decide(
		&identity.Candidate{ID: mapped.ID, CreatedAt: mapped.CreatedAt},
		identity.Candidate{ID: peer.ID, CreatedAt: proposedCreatedAt},
	), nil
}

// pairingOriginAllowed enforces the trusted-network boundary on inbound
// pairing requests.
func (g *Gateway) pairingOriginAllowed(r *http.Request) bool {
	if g.config.Pairing.AllowExternal {
		return true
	}
	if pairing.ClassifyAddr(r.RemoteAddr) == pairing.OriginExternal {
		return false
	}
	return true
}

// joinURL builds the URL encoded into the QR code an owner scans. The
// ceremony id rides in the fragment so it never appears in server logs.
func (g *Gateway) joinURL(ceremonyID string) string {
	return g.advertiseURL + "/join#" + ceremonyID
}

// deviceResponse joins a registry row with its cached discovery record. The
// registry's own status column answers for devices no probe has visited yet;
// a cached record overrides it with the probe's finer-grained verdict.
func deviceResponse(device *store.Device, record *store.DiscoveryRecord) DeviceResponse {
	resp := DeviceResponse{
		ID:           device.ID,
		Name:         device.Name,
		Owner:        device.Owner,
		Address:      device.Addr,
		Port:         device.Port,
		Capabilities: device.Capabilities,
		Current:      device.Current,
		Status:       device.Status,
		Metadata:     device.Metadata,
		CreatedAt:    device.CreatedAt.Format(time.RFC3339),
	}
	if device.LastSeen != nil {
		resp.LastSeen = device.LastSeen.Format(time.RFC3339)
	}
	if record != nil {
		resp.Status = record.Status
		resp.LatencyMs = record.LatencyMs
		resp.LastChecked = record.CheckedAt.Format(time.RFC3339)
		resp.Health = record.Health
	}
	return resp
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
