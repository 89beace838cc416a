// Package geo maps request IPs to coarse location tags. The static resolver
// is a deliberate placeholder: a real GeoIP backend slots in behind Resolver
// without touching callers.
package geo

import (
	"net"
	"net/netip"
)

type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
	IP      string `json:"ip"`
}

type Resolver interface {
	// Resolve returns a best-effort location. It must never fail; unknown
	// or unparsable inputs still produce a usable value.
	Resolve(ip string) Location
}

type StaticResolver struct{}

func NewStaticResolver() StaticResolver { return StaticResolver{} }

func (StaticResolver) Resolve(ip string) Location {
	host := ip
	if h, _, err := net.SplitHostPort(ip); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Location{Country: "Unknown", City: "Unknown", IP: ip}
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return Location{Country: "Local", City: "Local", IP: host}
	}
	return Location{Country: "Unknown", City: "Unknown", IP: host}
}
