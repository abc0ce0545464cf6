package extract

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// URLValidator prevents SSRF (Server-Side Request Forgery) when fetching
// user-submitted URLs.
//
// Blocked targets:
//   - Private IP ranges (RFC 1918): 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16
//   - Loopback: 127.0.0.0/8, ::1
//   - Link-local: 169.254.0.0/16, fe80::/10
//   - Cloud metadata: 169.254.169.254
//   - Known dangerous hostnames: localhost, metadata.google.internal
type URLValidator struct {
	allowedSchemes map[string]struct{}
	blockedHosts   map[string]struct{}
}

// NewURLValidator creates a URL validator with default security settings.
func NewURLValidator() *URLValidator {
	return &URLValidator{
		allowedSchemes: map[string]struct{}{
			"http":  {},
			"https": {},
		},
		blockedHosts: map[string]struct{}{
			"localhost":                {},
			"metadata.google.internal": {},
			"metadata.gce.internal":    {},
			"metadata.internal":        {},
		},
	}
}

// Validate checks if a URL is safe to fetch.
// Returns an error if the URL targets a private network or blocked host.
//
// Note: This performs static validation only. Complete protection during
// DNS resolution comes from SafeTransport().
func (v *URLValidator) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if _, ok := v.allowedSchemes[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("unsupported scheme: %s (allowed: http, https)", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty hostname")
	}

	return v.validateHost(host)
}

func (v *URLValidator) validateHost(host string) error {
	hostLower := strings.ToLower(host)

	if _, blocked := v.blockedHosts[hostLower]; blocked {
		return fmt.Errorf("blocked host: %s", host)
	}

	// IP literals are checked here; hostnames are checked again at dial
	// time after DNS resolution.
	if ip := net.ParseIP(host); ip != nil {
		return v.checkIP(ip)
	}
	return nil
}

func (v *URLValidator) checkIP(ip net.IP) error {
	// Normalize IPv6-mapped IPv4 addresses (::ffff:127.0.0.1 -> 127.0.0.1)
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	if ip.IsLoopback() {
		return fmt.Errorf("loopback address not allowed: %s", ip)
	}
	if ip.IsPrivate() {
		return fmt.Errorf("private IP not allowed: %s", ip)
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local address not allowed: %s", ip)
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified address not allowed: %s", ip)
	}
	// Technically link-local but checked explicitly for clarity
	if ip.String() == "169.254.169.254" {
		return fmt.Errorf("cloud metadata endpoint blocked: %s", ip)
	}
	return nil
}

// SafeTransport returns an http.Transport that validates IP addresses
// during DNS resolution to prevent SSRF via DNS rebinding.
func (v *URLValidator) SafeTransport() *http.Transport {
	return &http.Transport{
		DialContext:         v.safeDialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// safeDialContext validates resolved IPs before connecting.
func (v *URLValidator) safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = ""
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := v.checkIP(ip); err != nil {
			return nil, fmt.Errorf("SSRF blocked: %w", err)
		}
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ip := range ips {
		if err := v.checkIP(ip); err != nil {
			return nil, fmt.Errorf("SSRF blocked (resolved %s -> %s): %w", host, ip, err)
		}
	}

	// Connect to the first resolved IP to avoid TOCTOU between the check
	// above and the actual dial.
	if len(ips) > 0 {
		targetAddr := ips[0].String()
		if port != "" {
			targetAddr = net.JoinHostPort(targetAddr, port)
		}
		return (&net.Dialer{}).DialContext(ctx, network, targetAddr)
	}

	return nil, fmt.Errorf("no IP addresses resolved for %s", host)
}

// ValidateRedirect checks if a redirect target is safe; used as the HTTP
// client's CheckRedirect hook.
func (v *URLValidator) ValidateRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	return v.Validate(req.URL.String())
}
