package proxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// PolicyConfig configures destination checks.
type PolicyConfig struct {
	AllowedSchemes []string
	Allowlist      []string
	AllowSuffixes  []string
	BlockPrivate   bool
	Resolver       Resolver
}

// Policy decides whether a URL may be fetched on a caller's behalf.
type Policy struct {
	schemes      map[string]struct{}
	allowlist    map[string]struct{}
	suffixes     []string
	blockPrivate bool
	resolver     Resolver
}

func NewPolicy(cfg PolicyConfig) *Policy {
	p := &Policy{
		schemes:      make(map[string]struct{}),
		allowlist:    make(map[string]struct{}),
		blockPrivate: cfg.BlockPrivate,
		resolver:     cfg.Resolver,
	}
	schemes := cfg.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	for _, s := range schemes {
		p.schemes[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	for _, h := range cfg.Allowlist {
		if h = normalizeHost(h); h != "" {
			p.allowlist[h] = struct{}{}
		}
	}
	for _, s := range cfg.AllowSuffixes {
		if s = normalizeHost(strings.TrimLeft(s, ".")); s != "" {
			p.suffixes = append(p.suffixes, s)
		}
	}
	if p.resolver == nil {
		p.resolver = net.DefaultResolver
	}
	return p
}

// BlocksPrivate reports whether private destinations are refused.
func (p *Policy) BlocksPrivate() bool {
	return p.blockPrivate
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

func blocked(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrSSRFBlocked, fmt.Sprintf(format, args...))
}

// Validate parses rawURL and applies, in order: the scheme allow-set, the
// presence of a host, the host allow-list and, when enabled, the private
// address check. A host that fails to resolve is blocked.
func (p *Policy) Validate(ctx context.Context, rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, apperrors.Validationf("missing url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.Validationf("invalid url")
	}
	if _, ok := p.schemes[strings.ToLower(u.Scheme)]; !ok {
		return nil, blocked("disallowed scheme %q", u.Scheme)
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return nil, blocked("missing hostname")
	}
	if !p.hostAllowed(host) {
		return nil, blocked("host not allowed: %s", host)
	}
	if p.blockPrivate {
		if err := p.checkAddresses(ctx, host); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// hostAllowed implements open mode when no allow-list is configured.
func (p *Policy) hostAllowed(host string) bool {
	if len(p.allowlist) == 0 && len(p.suffixes) == 0 {
		return true
	}
	if _, ok := p.allowlist[host]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func (p *Policy) checkAddresses(ctx context.Context, host string) error {
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlockedAddr(addr) {
			return blocked("host resolves to a private or reserved address")
		}
		return nil
	}
	addrs, err := p.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return blocked("host could not be resolved")
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok || IsBlockedAddr(addr) {
			return blocked("host resolves to a private or reserved address")
		}
	}
	return nil
}

var blockedPrefixes = mustPrefixes(
	// IPv4
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	// IPv6
	"::/128",
	"::1/128",
	"64:ff9b::/96",
	"100::/64",
	"2001::/23",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// IsBlockedAddr reports whether addr is private, loopback, link-local,
// multicast, unspecified or otherwise reserved.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// dialControl refuses connections to blocked addresses after DNS resolution,
// which closes the gap between Validate and the actual dial.
func dialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return blocked("unparseable dial address")
	}
	if IsBlockedAddr(ap.Addr()) {
		return blocked("connection to private or reserved address refused")
	}
	return nil
}
