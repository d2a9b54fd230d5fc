// Package trust decides whether a request arrived through a trusted intermediary.
//
// Security model:
//   - Only the direct peer address is consulted. X-Forwarded-For is used solely when the
//     direct address is missing, and then only its nearest hop (the last entry).
//   - An empty subnet set trusts every peer that has an address. Operators who enable
//     forwarded credentials without subnets get exactly that, so they must opt in knowingly.
package trust

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Policy is the immutable trust configuration for a process.
type Policy struct {
	// TrustForwarded permits promotion of forwarded credentials from trusted peers.
	TrustForwarded bool
	// Subnets are the trusted networks. Empty means every peer is trusted.
	Subnets []netip.Prefix
}

// Permissive reports whether forwarded credentials are accepted from any peer.
func (p Policy) Permissive() bool {
	return p.TrustForwarded && len(p.Subnets) == 0
}

// Peer describes where a request came from.
type Peer struct {
	// RemoteAddr is the direct peer, host:port or a bare IP.
	RemoteAddr string
	// ForwardedFor is the raw comma-separated X-Forwarded-For chain.
	ForwardedFor string
}

// PeerFromRequest builds a Peer from r.RemoteAddr and its X-Forwarded-For header.
func PeerFromRequest(r *http.Request) Peer {
	if r == nil {
		return Peer{}
	}
	return Peer{
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: strings.Join(r.Header.Values("X-Forwarded-For"), ","),
	}
}

// Address resolves the address string used for the trust decision. It returns "" when
// neither source carries one.
func (p Peer) Address() string {
	if direct := strings.TrimSpace(p.RemoteAddr); direct != "" {
		if host, _, err := net.SplitHostPort(direct); err == nil {
			return host
		}
		return strings.Trim(direct, "[]")
	}
	chain := strings.TrimSpace(p.ForwardedFor)
	if chain == "" {
		return ""
	}
	if i := strings.LastIndexByte(chain, ','); i >= 0 {
		chain = chain[i+1:]
	}
	return strings.TrimSpace(chain)
}

// ParseSubnets parses CIDRs or bare IPs (treated as /32 or /128). IPv4-mapped IPv6
// prefixes are stored as their IPv4 equivalent, matching how peer addresses are compared.
//
// Blank entries are ignored. Every invalid entry is reported in the error.
func ParseSubnets(entries []string) ([]netip.Prefix, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	prefixes := make([]netip.Prefix, 0, len(entries))
	var invalid []string
	for _, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, unmapPrefix(prefix.Masked()))
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("%q", raw))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(invalid) > 0 {
		return prefixes, fmt.Errorf("trust: invalid subnet entries: %s", strings.Join(invalid, ", "))
	}
	return prefixes, nil
}

// unmapPrefix rewrites ::ffff:a.b.c.d/n as a.b.c.d/(n-96). A masked prefix only keeps
// the ::ffff: marker when n >= 96.
func unmapPrefix(prefix netip.Prefix) netip.Prefix {
	if !prefix.Addr().Is4In6() {
		return prefix
	}
	return netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
}

// Evaluator answers trust questions for one Policy.
//
// Decisions are memoised per address. The policy never changes, so cached answers stay valid.
type Evaluator struct {
	policy Policy
	cache  *lru.Cache[string, bool]
}

// NewEvaluator returns an Evaluator for policy. cacheSize <= 0 disables memoisation.
func NewEvaluator(policy Policy, cacheSize int) (*Evaluator, error) {
	e := &Evaluator{policy: policy}
	if cacheSize > 0 {
		cache, err := lru.New[string, bool](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create trust cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Policy returns the policy the evaluator was built with.
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// IsTrustedPeer reports whether peer is inside a trusted subnet. It never panics:
// an unresolvable or malformed address is simply untrusted.
func (e *Evaluator) IsTrustedPeer(peer Peer) bool {
	address := peer.Address()
	if address == "" {
		return false
	}
	if len(e.policy.Subnets) == 0 {
		return true
	}
	if e.cache != nil {
		if trusted, ok := e.cache.Get(address); ok {
			return trusted
		}
	}
	trusted := containedIn(address, e.policy.Subnets)
	if e.cache != nil {
		e.cache.Add(address, trusted)
	}
	return trusted
}

func containedIn(address string, subnets []netip.Prefix) bool {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return false
	}
	addr = addr.WithZone("").Unmap()
	for _, subnet := range subnets {
		if subnet.Contains(addr) {
			return true
		}
	}
	return false
}
