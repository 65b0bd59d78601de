// Package net enforces the outbound access policy for user-supplied URLs.
// The daemon downloads videos from arbitrary origins, so every fetch is
// vetted for scheme, port, host and resolved-address safety before any
// connection is made.
package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// ErrNotAllowed marks URLs rejected by the outbound policy.
var ErrNotAllowed = errors.New("outbound url not allowed")

// Policy is the allowlist applied to outbound fetches. An empty Hosts list
// means any host may be contacted as long as it resolves to safe addresses:
// loopback, unspecified, link-local, multicast and private ranges are always
// refused unless covered by CIDRs.
type Policy struct {
	Schemes []string
	Hosts   []string
	CIDRs   []string
	Ports   []int
}

// DefaultPolicy permits plain web video origins: http and https on their
// standard ports, any publicly routable host.
func DefaultPolicy() Policy {
	return Policy{
		Schemes: []string{"http", "https"},
		Ports:   []int{80, 443},
	}
}

// lookupIPAddr is swapped in tests so policy checks never hit real DNS.
var lookupIPAddr = func(ctx context.Context, host string) ([]net.IPAddr, error) {
	return net.DefaultResolver.LookupIPAddr(ctx, host)
}

// NormalizeHost brings a bare host into canonical comparable form: brackets
// and trailing dots stripped, IDNA punycode applied, everything lowercased.
// Schemes, paths, userinfo, ports and IPv6 zones are rejected outright.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", errors.New("empty host")
	}
	for _, bad := range []struct{ needle, what string }{
		{"://", "a scheme"},
		{"/", "a path"},
		{"@", "userinfo"},
		{"%", "an ipv6 zone"},
	} {
		if strings.Contains(host, bad.needle) {
			return "", fmt.Errorf("host %q must not include %s", raw, bad.what)
		}
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("host %q must not include a port", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", errors.New("empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// ValidateURL parses raw and checks it against the policy. The host is
// resolved and every address vetted, so an allowlisted name pointing at an
// internal range (DNS rebinding) is still refused. The returned URL carries
// the normalized host.
func ValidateURL(ctx context.Context, raw string, p Policy) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("empty url")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch {
	case u.Scheme == "":
		return nil, errors.New("missing url scheme")
	case u.Host == "":
		return nil, errors.New("missing url host")
	case u.User != nil:
		return nil, errors.New("userinfo not allowed")
	case u.Fragment != "":
		return nil, errors.New("fragments not allowed")
	}

	scheme := strings.ToLower(u.Scheme)
	if !containsFold(p.Schemes, scheme) {
		return nil, fmt.Errorf("%w: scheme %q", ErrNotAllowed, scheme)
	}

	port, err := effectivePort(u, scheme)
	if err != nil {
		return nil, err
	}
	if !containsInt(p.Ports, port) {
		return nil, fmt.Errorf("%w: port %d", ErrNotAllowed, port)
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return nil, err
	}
	if len(p.Hosts) > 0 {
		allowed, err := normalizedSet(p.Hosts)
		if err != nil {
			return nil, fmt.Errorf("invalid host allowlist: %w", err)
		}
		if _, ok := allowed[host]; !ok {
			return nil, fmt.Errorf("%w: host %q", ErrNotAllowed, host)
		}
	}

	nets, err := parseCIDRs(p.CIDRs)
	if err != nil {
		return nil, fmt.Errorf("invalid cidr allowlist: %w", err)
	}
	ips, err := resolveHost(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if unsafeIP(ip) && !ipInNets(ip, nets) {
			return nil, fmt.Errorf("%w: address %s", ErrNotAllowed, ip)
		}
	}

	u.Host = joinHostPort(host, u.Port())
	return u, nil
}

// unsafeIP refuses ranges a video origin has no business living in.
func unsafeIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsPrivate()
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), want) {
			return true
		}
	}
	return false
}

func containsInt(list []int, want int) bool {
	for _, p := range list {
		if p == want {
			return true
		}
	}
	return false
}

func effectivePort(u *url.URL, scheme string) (int, error) {
	if u.Port() == "" {
		switch scheme {
		case "http":
			return 80, nil
		case "https":
			return 443, nil
		default:
			return 0, fmt.Errorf("no default port for scheme %q", scheme)
		}
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", u.Port(), err)
	}
	return port, nil
}

func normalizedSet(hosts []string) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		normalized, err := NormalizeHost(h)
		if err != nil {
			return nil, err
		}
		set[normalized] = struct{}{}
	}
	return set, nil
}

// parseCIDRs accepts both CIDR notation and bare IPs (treated as /32 or /128).
func parseCIDRs(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid CIDR or IP: %s", entry)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

func resolveHost(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := lookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve host %q: %w", host, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IP != nil {
			ips = append(ips, addr.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve host %q: no addresses", host)
	}
	return ips, nil
}

func ipInNets(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func joinHostPort(host, port string) string {
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}
