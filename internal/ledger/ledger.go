// ABOUTME: Token ledger issuing, verifying, and revoking peer bearer tokens
// ABOUTME: Verification slides expiry forward so actively used tokens never lapse

package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/burrownet/burrow/internal/store"
)

// Token lifetime constants
const (
	// TokenTTL is how long an issued token lives without use.
	TokenTTL = 30 * 24 * time.Hour
	// RenewWindow is the remaining lifetime below which a successful
	// verification slides the expiry a full TokenTTL forward.
	RenewWindow = 7 * 24 * time.Hour
	// ClockSkewGrace tolerates clock drift between devices on expiry checks.
	ClockSkewGrace = 5 * time.Minute
)

// PermissionManageDevices gates pairing and registry administration.
// The owner's bootstrap token carries it; paired peers do not.
const PermissionManageDevices = "devices:manage"

// DefaultPermissions is the grant a freshly paired device receives.
var DefaultPermissions = []string{
	"posts:read",
	"posts:create",
	"media:read",
	"media:upload",
	"comments:create",
}

// Ledger errors
var (
	// ErrNotFound is returned for secrets that were never issued.
	ErrNotFound = errors.New("token not found")
	// ErrRevoked is returned for revoked tokens.
	ErrRevoked = errors.New("token revoked")
	// ErrExpired is returned for tokens past expiry plus the skew grace.
	ErrExpired = errors.New("token expired")
)

// Store is the persistence surface the ledger needs.
type Store interface {
	InsertIssuedToken(ctx context.Context, token *store.IssuedToken) error
	GetIssuedToken(ctx context.Context, token string) (*store.IssuedToken, error)
	TouchIssuedToken(ctx context.Context, token string, lastUsed time.Time, newExpiry *time.Time) error
	RevokeIssuedToken(ctx context.Context, token string, at time.Time) error
	RevokeIssuedTokensForSubject(ctx context.Context, subject string, at time.Time) (int64, error)
	StoreHeldToken(ctx context.Context, token *store.HeldToken) error
}

// Ledger issues and verifies the bearer tokens devices present to each other.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a token ledger.
func New(st Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  st,
		logger: logger.With("component", "ledger"),
	}
}

// NewSecret returns a fresh 256-bit token secret, hex encoded. Secrets are
// opaque random values; nothing is encoded in them.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Mint builds a bearer token for a device, valid TokenTTL from now, without
// persisting it. Callers that need the token written atomically alongside
// other rows pass the result into their own transaction. Nil permissions get
// the default set.
func (l *Ledger) Mint(subjectDeviceID string, permissions []string, now time.Time) (*store.IssuedToken, error) {
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}

	if permissions == nil {
		permissions = append([]string(nil), DefaultPermissions...)
	}

	now = now.UTC()
	return &store.IssuedToken{
		ID:          uuid.New().String(),
		Token:       secret,
		Subject:     subjectDeviceID,
		Permissions: permissions,
		IssuedAt:    now,
		ExpiresAt:   now.Add(TokenTTL),
	}, nil
}

// Issue mints a bearer token and persists it.
func (l *Ledger) Issue(ctx context.Context, subjectDeviceID string, permissions []string, now time.Time) (*store.IssuedToken, error) {
	token, err := l.Mint(subjectDeviceID, permissions, now)
	if err != nil {
		return nil, err
	}

	if err := l.store.InsertIssuedToken(ctx, token); err != nil {
		return nil, fmt.Errorf("storing issued token: %w", err)
	}

	l.logger.Info("issued token", "subject", subjectDeviceID, "expires_at", token.ExpiresAt)
	return token, nil
}

// VerifyAndTouch authenticates a presented secret. On success it records the
// use, and when less than RenewWindow remains it slides the expiry a full
// TokenTTL from now. The expiry check tolerates ClockSkewGrace of drift, so
// a token renewed within the grace heals a skewed clock rather than forcing
// a re-pair.
func (l *Ledger) VerifyAndTouch(ctx context.Context, secret string, now time.Time) (*store.IssuedToken, error) {
	token, err := l.store.GetIssuedToken(ctx, secret)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if token.RevokedAt != nil {
		return nil, ErrRevoked
	}

	now = now.UTC()
	if now.After(token.ExpiresAt.Add(ClockSkewGrace)) {
		return nil, ErrExpired
	}

	var newExpiry *time.Time
	if token.ExpiresAt.Sub(now) < RenewWindow {
		e := now.Add(TokenTTL)
		newExpiry = &e
	}

	if err := l.store.TouchIssuedToken(ctx, secret, now, newExpiry); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Revoked between the read and the touch
			return nil, ErrRevoked
		}
		return nil, fmt.Errorf("touching token: %w", err)
	}

	lastUsed := now
	token.LastUsedAt = &lastUsed
	if newExpiry != nil {
		token.ExpiresAt = *newExpiry
		l.logger.Debug("renewed token", "subject", token.Subject, "expires_at", token.ExpiresAt)
	}

	return token, nil
}

// Revoke revokes every live token issued to a device. Idempotent: already
// revoked tokens keep their original timestamp, and a subject with no live
// tokens is not an error.
func (l *Ledger) Revoke(ctx context.Context, subjectDeviceID string, now time.Time) error {
	_, err := l.store.RevokeIssuedTokensForSubject(ctx, subjectDeviceID, now.UTC())
	return err
}

// RevokeSecret revokes a single token by value, keeping the original
// timestamp if it was already revoked. Returns ErrNotFound for secrets that
// were never issued.
func (l *Ledger) RevokeSecret(ctx context.Context, secret string, now time.Time) error {
	err := l.store.RevokeIssuedToken(ctx, secret, now.UTC())
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// StoreHeld saves the token a peer granted us, replacing any previous token
// for the same peer.
func (l *Ledger) StoreHeld(ctx context.Context, peerDeviceID, secret string, permissions []string, expiresAt time.Time) error {
	held := &store.HeldToken{
		PeerDeviceID: peerDeviceID,
		Token:        secret,
		Permissions:  permissions,
		ExpiresAt:    expiresAt.UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	if err := l.store.StoreHeldToken(ctx, held); err != nil {
		return fmt.Errorf("storing held token: %w", err)
	}

	l.logger.Info("stored held token", "peer_device_id", peerDeviceID, "expires_at", held.ExpiresAt)
	return nil
}
