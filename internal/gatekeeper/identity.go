package gatekeeper

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Identity is the resolved client identity used for rate limiting and
// request logging.
type Identity struct {
	IP string
}

// IdentityResolver derives the client identity from the connection peer
// address and, when the peer is a trusted proxy, the X-Forwarded-For header.
type IdentityResolver struct {
	trusted []*net.IPNet
}

// NewIdentityResolver parses the trusted proxy CIDR list. An empty list
// means the forwarded header is never honored.
func NewIdentityResolver(cidrs []string) (*IdentityResolver, error) {
	var nets []*net.IPNet
	for _, raw := range cidrs {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", value, err)
		}
		nets = append(nets, network)
	}
	return &IdentityResolver{trusted: nets}, nil
}

// Resolve returns the client identity for the request. The forwarded header
// is only consulted when the direct peer is inside a trusted range, and only
// its left-most entry is used; anything malformed falls back to the peer
// address. Resolution never fails.
func (ir *IdentityResolver) Resolve(r *http.Request) Identity {
	peer := peerIP(r)
	if !ir.isTrusted(peer) {
		return Identity{IP: peer}
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return Identity{IP: peer}
	}

	firstHop, _, _ := strings.Cut(forwarded, ",")
	firstHop = strings.TrimSpace(firstHop)
	if firstHop == "" || net.ParseIP(firstHop) == nil {
		return Identity{IP: peer}
	}
	return Identity{IP: firstHop}
}

func (ir *IdentityResolver) isTrusted(ip string) bool {
	if len(ir.trusted) == 0 {
		return false
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, network := range ir.trusted {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

// peerIP extracts the IP from the request's RemoteAddr. RemoteAddr without
// a port (seen with some test servers) is returned as is.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
