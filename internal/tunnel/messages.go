package tunnel

import (
	"fmt"
	"strings"
)

// spinnerFrames are written in place (each preceded by "\r") while the
// verification worker polls. No ANSI cursor control or box-drawing is
// used; terminal cosmetics are out of scope.
var spinnerFrames = [...]byte{'|', '/', '-', '\\'}

func spinnerFrame(tick int) string {
	return fmt.Sprintf("\r%c waiting for activation...", spinnerFrames[tick%len(spinnerFrames)])
}

func activationMessage(url, code string) string {
	return fmt.Sprintf("\r\nTo authenticate this tunnel, visit:\r\n  %s\r\nand enter code: %s\r\n\r\n", url, code)
}

func escHintMessage() string {
	return "\r\n(press ESC again within 2 seconds to disconnect)\r\n"
}

func escHintClearMessage() string {
	return "\r"
}

func successMessage(urls []string) string {
	var b strings.Builder
	b.WriteString("\r\nTunnel ready:\r\n")
	for _, u := range urls {
		b.WriteString("  ")
		b.WriteString(u)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

func portErrorMessage(address string, port uint32) string {
	return fmt.Sprintf("\r\nError: could not reach %s:%d on your machine\r\n", address, port)
}

func conflictMessage(subdomain string) string {
	return fmt.Sprintf("\r\nError: subdomain %q is already in use\r\n", subdomain)
}

func invalidSubdomainMessage(requested string) string {
	return fmt.Sprintf("\r\nError: %q is not a valid subdomain\r\n", requested)
}

func authFailedMessage(reason string) string {
	return fmt.Sprintf("\r\nAuthentication failed: %s\r\n", reason)
}

// buildTunnelURL inserts subdomain as the leftmost label of base,
// preserving base's scheme (defaulting to https) and any port.
func buildTunnelURL(base, subdomain string) string {
	scheme := "https"
	host := base
	if idx := strings.Index(base, "://"); idx >= 0 {
		scheme = base[:idx]
		host = base[idx+3:]
	}
	return fmt.Sprintf("%s://%s.%s", scheme, subdomain, host)
}

// baseDomainOf strips the scheme from a configured TunnelURL, leaving
// "host[:port]" for Host-header comparison.
func baseDomainOf(tunnelURL string) string {
	if idx := strings.Index(tunnelURL, "://"); idx >= 0 {
		return tunnelURL[idx+3:]
	}
	return tunnelURL
}
