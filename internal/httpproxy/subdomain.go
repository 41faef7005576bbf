// Package httpproxy is the data-plane listener: it peeks at the Host
// header of each new connection, maps it to a registered subdomain, and
// splices the TCP stream onto a forwarded-tcpip SSH channel.
package httpproxy

import (
	"strings"
)

// extractSubdomainWithBase pulls the single leftmost label off host
// (port stripped) when host ends in ".baseDomain", lowercasing it and
// validating DNS label grammar. It returns "", false for the bare base
// domain itself, nested labels ("a.b.base"), or anything outside
// baseDomain entirely.
func extractSubdomainWithBase(host, baseDomain string) (string, bool) {
	hostWithoutPort := host
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		hostWithoutPort = host[:idx]
	}

	suffix := "." + baseDomain
	if !strings.HasSuffix(hostWithoutPort, suffix) {
		return "", false
	}

	subdomain := hostWithoutPort[:len(hostWithoutPort)-len(suffix)]
	if subdomain == "" || strings.Contains(subdomain, ".") {
		return "", false
	}
	if len(subdomain) > 63 {
		return "", false
	}

	lower := strings.ToLower(subdomain)
	for _, c := range lower {
		if !isAlnum(c) && c != '-' {
			return "", false
		}
	}
	if strings.HasPrefix(lower, "-") || strings.HasSuffix(lower, "-") {
		return "", false
	}

	return lower, true
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// baseDomainOf reduces a configured tunnel base URL to the bare host
// used for Host-header matching: any "scheme://" prefix and any ":port"
// suffix are stripped.
func baseDomainOf(tunnelURL string) string {
	if idx := strings.Index(tunnelURL, "://"); idx >= 0 {
		tunnelURL = tunnelURL[idx+3:]
	}
	if idx := strings.IndexByte(tunnelURL, ':'); idx >= 0 {
		return tunnelURL[:idx]
	}
	return tunnelURL
}

// extractHostFromRaw scans peeked request bytes line by line for a
// case-insensitive "Host:" header, stopping at the blank line ending
// the header block.
func extractHostFromRaw(data []byte) (string, bool) {
	text := string(data)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		if len(line) >= 5 && strings.EqualFold(line[:5], "host:") {
			return strings.TrimSpace(line[5:]), true
		}
	}
	return "", false
}
