// ABOUTME: Authenticated peer context for tracking identity through request handlers
// ABOUTME: Provides WithPeer/FromContext for propagating the verified peer via context

package auth

import (
	"context"
)

// Peer holds the authenticated peer identity extracted from a request.
// It is populated by Middleware and can be retrieved from context in handlers.
type Peer struct {
	DeviceID    string   // device the presented token was issued to
	Permissions []string // permission strings granted by that token
}

// Can returns true if the peer holds the named permission.
func (p *Peer) Can(permission string) bool {
	for _, perm := range p.Permissions {
		if perm == permission {
			return true
		}
	}
	return false
}

// peerContextKey is the key type for storing Peer in context.Context.
type peerContextKey struct{}

// WithPeer returns a new context with the Peer attached.
func WithPeer(ctx context.Context, peer *Peer) context.Context {
	return context.WithValue(ctx, peerContextKey{}, peer)
}

// FromContext retrieves the Peer from the context, returning nil if not present.
func FromContext(ctx context.Context) *Peer {
	val := ctx.Value(peerContextKey{})
	if val == nil {
		return nil
	}
	peer, ok := val.(*Peer)
	if !ok {
		return nil
	}
	return peer
}

// MustFromContext retrieves the Peer from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Peer {
	peer := FromContext(ctx)
	if peer == nil {
		panic("auth: Peer not found in context")
	}
	return peer
}
