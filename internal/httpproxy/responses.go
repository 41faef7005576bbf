package httpproxy

import (
	"fmt"
	"strings"

	"github.com/tunnelgate/gateway/internal/registry"
)

func statusText(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Error"
	}
}

func errorResponse(status int, message string) []byte {
	body := []byte(message)
	head := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, statusText(status), len(body),
	)
	return append([]byte(head), body...)
}

func tunnelListResponse(tunnelURL string) []byte {
	body := fmt.Sprintf(
		"Tunnel Proxy Server\n\nUse: curl -H \"Host: SUBDOMAIN.%s\" <address>\n\nConnect with: ssh -R 8000:localhost:8000 -p 2222 <subdomain>@server",
		tunnelURL,
	)
	return errorResponse(400, body)
}

func noSubdomainResponse(reg *registry.Registry, tunnelURL string) []byte {
	var names []string
	for _, t := range reg.List() {
		if t.IsConnected {
			names = append(names, "  - "+buildTunnelURL(tunnelURL, t.Subdomain))
		}
	}

	var body string
	if len(names) == 0 {
		body = "No tunnels registered.\n\nConnect with: ssh -R 8000:localhost:8000 -p 2222 <subdomain>@server"
	} else {
		body = fmt.Sprintf(
			"Available tunnels:\n%s\n\nUse: curl -H \"Host: SUBDOMAIN.%s\" <address>",
			strings.Join(names, "\n"), tunnelURL,
		)
	}
	return errorResponse(400, body)
}

// buildTunnelURL mirrors tunnel.buildTunnelURL without importing the
// tunnel package (httpproxy must not depend on the SSH control plane).
func buildTunnelURL(base, subdomain string) string {
	scheme := "https"
	host := base
	if idx := strings.Index(base, "://"); idx >= 0 {
		scheme = base[:idx]
		host = base[idx+3:]
	}
	return fmt.Sprintf("%s://%s.%s", scheme, subdomain, host)
}
