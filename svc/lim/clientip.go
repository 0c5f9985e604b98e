package lim

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/pkg/errors"

	"pokebin/svc/util"
)

// maxForwardedHops bounds how much of X-Forwarded-For is examined.
const maxForwardedHops = 32

// proxySet is the parsed TRUSTED_PROXIES list. Single addresses become
// full-length prefixes.
type proxySet []netip.Prefix

func parseProxies(list []string) (proxySet, error) {
	set := make(proxySet, 0, len(list))
	for _, p := range list {
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, errors.Wrapf(err, "trusted proxy %q", p)
			}
			set = append(set, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, errors.Wrapf(err, "trusted proxy %q", p)
		}
		addr = addr.Unmap()
		set = append(set, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return set, nil
}

func (s proxySet) contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range s {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP is the address a request is charged to. X-Forwarded-For is only
// read when the direct peer is a trusted proxy, and then walked from the
// right: the first hop that is not itself a trusted proxy is the client.
func (s proxySet) clientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if len(s) == 0 {
		return remote
	}
	peer, err := netip.ParseAddr(remote)
	if err != nil || !s.contains(peer) {
		return remote
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remote
	}
	hops := strings.Split(xff, ",")
	if len(hops) > maxForwardedHops {
		util.Warn().Int("hops", len(hops)).Str("remote", util.RedactIP(remote)).Msg("X-Forwarded-For truncated")
		hops = hops[len(hops)-maxForwardedHops:]
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		if !s.contains(hop) {
			return hop.Unmap().String()
		}
	}
	return remote
}

// ClientIP is the address CheckLimit charges r to.
func (l *Limiter) ClientIP(r *http.Request) string {
	return l.proxies.clientIP(r)
}
