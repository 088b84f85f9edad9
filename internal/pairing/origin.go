// ABOUTME: Request origin classification for gating pairing to the local network
// ABOUTME: Classifies remote addresses as localhost, LAN, or external

package pairing

import (
	"net"
	"net/netip"
)

// Origin classifies where a request came from.
type Origin int

const (
	// OriginLocalhost is a loopback address.
	OriginLocalhost Origin = iota
	// OriginLAN is a private, unique-local, or IPv6 link-local address.
	OriginLAN
	// OriginExternal is everything else, including anything unparseable.
	OriginExternal
)

func (o Origin) String() string {
	switch o {
	case OriginLocalhost:
		return "localhost"
	case OriginLAN:
		return "lan"
	default:
		return "external"
	}
}

// ClassifyAddr classifies a remote address. The address may carry a port
// ("192.168.1.7:51324", "[fe80::1]:6969") or be a bare IP literal. IPv6-mapped
// IPv4 addresses classify as their IPv4 form. Hostnames classify as external:
// only an address we can parse counts as local.
func ClassifyAddr(remoteAddr string) Origin {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return OriginExternal
	}
	ip = ip.Unmap()

	switch {
	case ip.IsLoopback():
		return OriginLocalhost
	case ip.IsPrivate():
		return OriginLAN
	case ip.Is6() && ip.IsLinkLocalUnicast():
		return OriginLAN
	default:
		return OriginExternal
	}
}

// IsLANHost reports whether host is a loopback or LAN address.
func IsLANHost(host string) bool {
	origin := ClassifyAddr(host)
	return origin == OriginLocalhost || origin == OriginLAN
}
