// Package peer tracks which peers the relay has contacted during a session.
package peer

import (
	"net/netip"
	"sort"
	"sync"
)

// Registry is the set of peer IPs that have been sent a probe in the current
// session. Addresses are kept in canonical form, so 2001:DB8::1 and
// 2001:db8::1, or ::ffff:10.0.0.1 and 10.0.0.1, are the same peer. A new
// session starts with a new Registry.
type Registry struct {
	mu    sync.Mutex
	peers map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]struct{}),
	}
}

// EnsureKnown records ip and reports whether it was previously unknown.
// A true result obliges the caller to send the probe before any payload.
// The test and insert happen under one lock, so concurrent callers for the
// same ip see exactly one true.
func (r *Registry) EnsureKnown(ip string) bool {
	ip = Canonical(ip)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[ip]; ok {
		return false
	}
	r.peers[ip] = struct{}{}
	return true
}

// Forget removes ip, so the next EnsureKnown reports it as new again. The
// relay uses it when the first ping to a new peer could not be sent.
func (r *Registry) Forget(ip string) {
	ip = Canonical(ip)

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, ip)
}

// Contains reports whether ip is known.
func (r *Registry) Contains(ip string) bool {
	ip = Canonical(ip)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.peers[ip]
	return ok
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.peers)
}

// Snapshot returns the known peers in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.peers))
	for ip := range r.peers {
		out = append(out, ip)
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

// Canonical returns the canonical text form of an IP address: lower case,
// zero-compressed, with IPv4-mapped IPv6 unmapped and any zone dropped.
// Strings that are not addresses are returned unchanged.
func Canonical(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().WithZone("").String()
}
