package security

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Target URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

// Metadata service endpoints across cloud providers. Reaching any of these
// from a rendered page would expose instance credentials.
var metadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("169.254.170.2"),
	net.ParseIP("100.100.100.200"),
	net.ParseIP("192.0.0.192"),
	net.ParseIP("fd00:ec2::254"),
	net.ParseIP("fc00:ec2::254"),
}

// ValidateTargetURL decides whether a job target is safe to navigate.
// It rejects non-HTTP(S) schemes, localhost in all its spellings, private
// and link-local ranges, cloud metadata endpoints, and the decimal, octal,
// hex, and IPv6-mapped encodings used to smuggle such addresses past
// naive string checks. Hostnames are resolved and every returned address
// is checked; DNS failure is not an error since the browser will surface
// it on navigation.
func ValidateTargetURL(rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}

	if !allowedSchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedScheme
	}

	hostname := strings.ToLower(parsed.Hostname())
	if blockedHosts[hostname] || isLocalhostName(hostname) {
		return ErrLocalhostBlocked
	}

	if ip := parseIPLenient(hostname); ip != nil {
		return checkIP(unmapIPv4(ip))
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, resolved := range ips {
		if err := checkIP(unmapIPv4(resolved)); err != nil {
			return err
		}
	}
	return nil
}

// parseIPLenient parses an IP in any encoding a browser would accept:
// dotted decimal, a single 32-bit decimal, per-octet octal or hex, and
// the shortened two-part form (127.1).
func parseIPLenient(hostname string) net.IP {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip
	}

	if num, err := strconv.ParseUint(hostname, 10, 32); err == nil {
		return net.IPv4(byte(num>>24), byte(num>>16), byte(num>>8), byte(num))
	}

	parts := strings.Split(hostname, ".")
	switch len(parts) {
	case 4:
		var octets [4]byte
		for i, part := range parts {
			val, err := parseOctet(part)
			if err != nil || val > 255 {
				return nil
			}
			octets[i] = byte(val)
		}
		return net.IPv4(octets[0], octets[1], octets[2], octets[3])
	case 2:
		first, err1 := parseOctet(parts[0])
		rest, err2 := parseOctet(parts[1])
		if err1 == nil && err2 == nil && first <= 255 && rest <= 0xFFFFFF {
			return net.IPv4(byte(first), byte(rest>>16), byte(rest>>8), byte(rest))
		}
	}
	return nil
}

// parseOctet accepts decimal, 0-prefixed octal, and 0x-prefixed hex.
func parseOctet(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty octet")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	if len(s) > 1 && s[0] == '0' {
		return strconv.ParseUint(s[1:], 8, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// unmapIPv4 collapses ::ffff:x.x.x.x to plain IPv4 so range checks apply.
func unmapIPv4(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

func isLocalhostName(hostname string) bool {
	switch hostname {
	case "localhost", "localhost.localdomain", "local", "ip6-localhost", "ip6-loopback":
		return true
	}
	return strings.HasSuffix(hostname, ".localhost") || strings.HasPrefix(hostname, "localhost.")
}

func checkIP(ip net.IP) error {
	if isLoopback(ip) {
		return ErrLocalhostBlocked
	}
	if ip.IsPrivate() {
		return ErrPrivateIPBlocked
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return ErrPrivateIPBlocked
	}
	for _, meta := range metadataIPs {
		if ip.Equal(meta) {
			return ErrMetadataBlocked
		}
	}
	if ip.IsUnspecified() {
		return ErrPrivateIPBlocked
	}
	return nil
}

// isLoopback treats the whole 127.0.0.0/8 range as loopback, not just
// 127.0.0.1.
func isLoopback(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 127
	}
	return ip.Equal(net.IPv6loopback)
}
