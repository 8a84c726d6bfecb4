package admission

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// IsPrivate reports whether addr belongs to internal infrastructure:
// RFC 1918 and unique-local ranges, loopback, link-local, carrier-grade NAT
// and the unspecified address.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}

func parseHop(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// ClientIP returns the originating address of r. X-Forwarded-For is only
// trusted when the peer itself is internal (a proxy or ingress). It is read
// from the right, skipping hops added by internal proxies; the first public
// address is the client. When every hop is internal the leftmost one is
// returned.
func ClientIP(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, ok := parseHop(host)
	if ok && !IsPrivate(peer) {
		return peer, true
	}

	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(h, ",")...)
	}

	var leftmost netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		addr, valid := parseHop(hops[i])
		if !valid {
			// Anything left of a garbage hop is client controlled.
			break
		}
		if !IsPrivate(addr) {
			return addr, true
		}
		leftmost = addr
	}
	if leftmost.IsValid() {
		return leftmost, true
	}
	return peer, ok
}
