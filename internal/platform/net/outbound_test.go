package net

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases and strips trailing dot", "Example.COM.", "example.com"},
		{"idna punycode", "straße.de", "xn--strae-oqa.de"},
		{"bracketed ipv6", "[2001:db8::1]", "2001:db8::1"},
		{"ipv4 literal", "192.168.0.1", "192.168.0.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeHost(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	rejects := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"scheme", "http://example.com"},
		{"path", "example.com/video"},
		{"userinfo", "admin@example.com"},
		{"port", "example.com:8080"},
		{"ipv6 zone", "fe80::1%eth0"},
	}
	for _, tc := range rejects {
		t.Run("rejects "+tc.name, func(t *testing.T) {
			_, err := NormalizeHost(tc.in)
			require.Error(t, err)
		})
	}
}

// stubDNS answers from a fixed table so no test resolves real names.
func stubDNS(t *testing.T, table map[string][]string) {
	t.Helper()
	orig := lookupIPAddr
	lookupIPAddr = func(_ context.Context, host string) ([]net.IPAddr, error) {
		ips, ok := table[host]
		if !ok {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		addrs := make([]net.IPAddr, 0, len(ips))
		for _, ip := range ips {
			addrs = append(addrs, net.IPAddr{IP: net.ParseIP(ip)})
		}
		return addrs, nil
	}
	t.Cleanup(func() { lookupIPAddr = orig })
}

func TestValidateURLPolicy(t *testing.T) {
	stubDNS(t, map[string][]string{
		"cdn.example.com":      {"93.184.216.34"},
		"internal.example.com": {"10.0.0.5"},
		"rebind.example.com":   {"127.0.0.1"},
	})
	def := DefaultPolicy()
	ctx := context.Background()

	t.Run("public host passes open policy", func(t *testing.T) {
		u, err := ValidateURL(ctx, "https://CDN.example.com/v/demo.mp4", def)
		require.NoError(t, err)
		require.Equal(t, "cdn.example.com", u.Host)
	})

	t.Run("scheme outside allowlist", func(t *testing.T) {
		_, err := ValidateURL(ctx, "ftp://cdn.example.com/demo.mp4", def)
		require.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("port outside allowlist", func(t *testing.T) {
		_, err := ValidateURL(ctx, "https://cdn.example.com:8443/demo.mp4", def)
		require.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("explicit standard port", func(t *testing.T) {
		u, err := ValidateURL(ctx, "https://cdn.example.com:443/demo.mp4", def)
		require.NoError(t, err)
		require.Equal(t, "cdn.example.com:443", u.Host)
	})

	t.Run("host allowlist restricts", func(t *testing.T) {
		p := def
		p.Hosts = []string{"Trusted.Example.COM"}
		_, err := ValidateURL(ctx, "https://cdn.example.com/demo.mp4", p)
		require.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("private range refused", func(t *testing.T) {
		_, err := ValidateURL(ctx, "https://internal.example.com/demo.mp4", def)
		require.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("private range allowed by cidr", func(t *testing.T) {
		p := def
		p.CIDRs = []string{"10.0.0.0/8"}
		_, err := ValidateURL(ctx, "https://internal.example.com/demo.mp4", p)
		require.NoError(t, err)
	})

	t.Run("dns rebinding to loopback refused", func(t *testing.T) {
		p := def
		p.Hosts = []string{"rebind.example.com"}
		_, err := ValidateURL(ctx, "https://rebind.example.com/demo.mp4", p)
		require.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("loopback literal refused", func(t *testing.T) {
		_, err := ValidateURL(ctx, "http://127.0.0.1/demo.mp4", def)
		require.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("loopback literal allowed by cidr", func(t *testing.T) {
		p := def
		p.CIDRs = []string{"127.0.0.0/8"}
		_, err := ValidateURL(ctx, "http://127.0.0.1/demo.mp4", p)
		require.NoError(t, err)
	})

	t.Run("fragment refused", func(t *testing.T) {
		_, err := ValidateURL(ctx, "https://cdn.example.com/demo.mp4#t=10", def)
		require.Error(t, err)
		require.False(t, errors.Is(err, ErrNotAllowed), "fragments are malformed input, not policy rejections")
	})

	t.Run("unresolvable host", func(t *testing.T) {
		_, err := ValidateURL(ctx, "https://ghost.example.com/demo.mp4", def)
		require.Error(t, err)
	})
}
