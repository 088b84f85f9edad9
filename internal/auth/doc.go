// Package auth provides bearer-token authentication for burrow's API surface.
//
// # Bearer Tokens
//
// Devices authenticate with the opaque token they received when pairing.
// Every authenticated request carries it in the Authorization header:
//
//	Authorization: Bearer <64-hex-char secret>
//
// The middleware hands the secret to the token ledger, which looks it up,
// checks revocation and expiry, and slides the expiry window forward when
// the token is close to lapsing. There is no signature scheme and no claims
// payload: the secret is a random database key, nothing more.
//
// # Failure Opacity
//
// A failed verification always produces the same response:
//
//	HTTP 401 {"error":"unauthorized"}
//
// Missing header, malformed header, unknown secret, revoked token, and
// expired token are indistinguishable to the caller. The reason is logged
// server-side only. Anything else would let an unauthenticated probe learn
// which secrets used to be valid.
//
// # Peer Context
//
// On success the middleware attaches a Peer (device ID plus granted
// permissions) to the request context:
//
//	peer := auth.FromContext(r.Context())
//
// Handlers gate privileged operations with RequirePermission, which answers
// 403 {"error":"forbidden"} when the authenticated peer lacks the grant.
// Authentication failures are 401; permission failures are 403; those are
// the only two error shapes this package produces.
package auth
