// Package safeurl validates operator-supplied webhook URLs before any
// outbound request is made. Binding targets come from end users, so every
// send path goes through Validate to keep requests off loopback, private,
// and link-local addresses (SSRF prevention) and off non-HTTP schemes.
package safeurl

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// MinSecretLen is the minimum acceptable length for HMAC signing secrets.
// 32 bytes = 256 bits of entropy.
const MinSecretLen = 32

// MaxResponseBody caps how much of a webhook response is read (64 KiB).
// Test invocations only need a status line and a snippet.
const MaxResponseBody int64 = 64 << 10

var (
	// ErrUnsafeScheme is returned for schemes other than http/https.
	ErrUnsafeScheme = errors.New("safeurl: only http and https schemes are allowed")

	// ErrPrivateHost is returned when a URL targets a private, loopback,
	// or link-local address.
	ErrPrivateHost = errors.New("safeurl: URL targets a private or loopback address")

	// ErrCredentials is returned when a URL embeds userinfo.
	ErrCredentials = errors.New("safeurl: URL must not embed credentials")

	// ErrSecretTooShort is returned when an HMAC secret is below MinSecretLen.
	ErrSecretTooShort = fmt.Errorf("safeurl: secret must be at least %d bytes", MinSecretLen)
)

// Opts relaxes validation for development setups.
type Opts struct {
	// AllowPrivate permits loopback and RFC 1918 targets. Local-only
	// deployments test webhooks against servers on the same machine.
	AllowPrivate bool

	// AllowHTTP permits plain http. Defaults to true because internal
	// receivers without TLS are common; set false to require https.
	AllowHTTP bool
}

// DefaultOpts is the production posture: https or http, no private hosts.
func DefaultOpts() Opts {
	return Opts{AllowHTTP: true}
}

// Validate checks that rawURL is an acceptable webhook target under opts.
// DNS resolution is performed for hostnames so internal names cannot
// smuggle in private addresses.
func Validate(rawURL string, opts Opts) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("safeurl: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "https":
	case "http":
		if !opts.AllowHTTP {
			return ErrUnsafeScheme
		}
	default:
		return ErrUnsafeScheme
	}
	if u.User != nil {
		return ErrCredentials
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("safeurl: URL has no host")
	}
	if opts.AllowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return ErrPrivateHost
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateHost
		}
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		// DNS failure: let it through. A temporarily unresolvable external
		// host fails at connect time with a clearer error.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrPrivateHost
		}
	}
	return nil
}

// ValidateSecret checks that an HMAC secret meets MinSecretLen.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r, erroring past the cap.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("safeurl: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

var privateNets = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
	"100.64.0.0/10",
	"169.254.0.0/16",
)

func mustCIDRs(blocks ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, n, err := net.ParseCIDR(b)
		if err != nil {
			panic("safeurl: bad CIDR literal: " + b)
		}
		nets = append(nets, n)
	}
	return nets
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
