// ABOUTME: Translation layer mapping domain errors to HTTP statuses and phrases
// ABOUTME: Callers only ever see a stable phrase; technical detail goes to logs

package gateway

import (
	"errors"
	"net/http"

	"github.com/burrownet/burrow/internal/discovery"
	"github.com/burrownet/burrow/internal/identity"
	"github.com/burrownet/burrow/internal/ledger"
	"github.com/burrownet/burrow/internal/pairing"
	"github.com/burrownet/burrow/internal/store"
)

// Stable phrases shown to callers. Handlers never invent their own error
// text; everything a caller sees comes from this table, and the technical
// detail is logged at the point of translation.
const (
	PhraseNeedsRepairing   = "needs re-pairing"
	PhraseDeviceOffline    = "device offline"
	PhraseDeviceDegraded   = "degraded"
	PhraseCodeExpired      = "pairing code expired"
	PhraseCodeUsed         = "pairing code already used"
	PhraseIncorrectPin     = "incorrect PIN"
	PhraseTooManyAttempts  = "too many attempts"
	PhrasePairingBusy      = "pairing busy, try again"
	PhraseNoDevice         = "no device available"
	PhraseLocalOnly        = "pairing requires the local network"
	PhraseNotFound         = "not found"
	PhraseRegistrationFail = "registration failed"
	PhraseInternal         = "internal error"
)

// errExternalOrigin marks a pairing request that arrived from outside the
// local network while pairing.allow_external is off.
var errExternalOrigin = errors.New("pairing request from external origin")

// translate maps an error from the domain packages to an HTTP status and the
// phrase the caller sees. Unknown errors deliberately collapse to a generic
// 500 so internals never leak onto the wire.
func translate(err error) (int, string) {
	var transition *pairing.InvalidTransitionError
	switch {
	case errors.Is(err, pairing.ErrExpired):
		return http.StatusGone, PhraseCodeExpired
	case errors.Is(err, pairing.ErrRetryLimitExceeded):
		return http.StatusTooManyRequests, PhraseTooManyAttempts
	case errors.Is(err, pairing.ErrInvalidPin):
		return http.StatusBadRequest, PhraseIncorrectPin
	case errors.As(err, &transition):
		return http.StatusConflict, PhraseCodeUsed
	case errors.Is(err, store.ErrStaleCeremony):
		return http.StatusConflict, PhrasePairingBusy
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrRevoked),
		errors.Is(err, ledger.ErrExpired):
		return http.StatusUnauthorized, PhraseNeedsRepairing
	case errors.Is(err, identity.ErrCascadeFailed):
		return http.StatusInternalServerError, PhraseRegistrationFail
	case errors.Is(err, discovery.ErrNoCapableDevice):
		return http.StatusNotFound, PhraseNoDevice
	case errors.Is(err, errExternalOrigin):
		return http.StatusForbidden, PhraseLocalOnly
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, PhraseNotFound
	default:
		return http.StatusInternalServerError, PhraseInternal
	}
}

// renderError translates err and writes the wire response. Domain errors
// reach callers through here and nowhere else.
func (g *Gateway) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status, phrase := translate(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		g.logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	g.sendJSONError(w, status, phrase)
}

// StatusPhrase renders a cached device status as the phrase shown to people.
func StatusPhrase(status string) string {
	switch status {
	case store.DeviceOnline:
		return "online"
	case store.DeviceOffline:
		return PhraseDeviceOffline
	case store.DeviceDegraded:
		return PhraseDeviceDegraded
	case store.DeviceNeedsRepair:
		return PhraseNeedsRepairing
	default:
		return "unknown"
	}
}
