// Package identity owns who this device is and which registry records
// describe the same physical peer.
//
// The local side is a small identity.json file in the data directory,
// written once on bootstrap: a UUIDv7 id, a hostname-derived display name,
// and the creation timestamp. The id is what peers store in their registries,
// so the file is never regenerated while it exists.
//
// The peer side handles re-pairing. A device that pairs again under a new id
// but the same fingerprint would otherwise leave two registry rows for one
// machine. Decide classifies each arriving identity against the fingerprint
// mapping, and when two rows collide, Merger.Merge folds the newer one into
// the older in a single store transaction. The earlier-registered id always
// survives, so a device's identity stays stable no matter how many times it
// re-pairs.
package identity
