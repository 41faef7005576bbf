// Package config loads gatewayd's process configuration from the
// environment. All fields are read once at startup; there is no reload.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const minSecretLen = 32

// Config is the complete set of environment-derived settings for one
// gatewayd process. Required fields missing at startup cause Load to
// panic rather than return a zero value the rest of the program would
// otherwise have to guard against.
type Config struct {
	// TunnelURL is the base domain tunnels are matched against, e.g.
	// "tunnel.example.test" or "https://tunnel.example.test:8443".
	TunnelURL string `envconfig:"TUNNEL_URL" required:"true"`
	// APIBaseURL is the device-flow activation service's base URL.
	APIBaseURL string `envconfig:"API_BASE_URL" required:"true"`
	// InternalAPISecret authenticates gatewayd to the device-flow service.
	// Must be at least 32 bytes; checked explicitly after parsing since
	// envconfig struct tags cannot express a length constraint.
	InternalAPISecret string `envconfig:"INTERNAL_API_SECRET" required:"true"`

	SSHPort  int `envconfig:"SSH_PORT" default:"2222"`
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`
	MgmtPort int `envconfig:"MGMT_PORT" default:"9090"`

	ServerKeyPath string `envconfig:"SERVER_KEY_PATH" default:"./server_key.pem"`

	Env string `envconfig:"ENV" default:"production"`

	// SkipDeviceFlow bypasses Device Flow verification for local
	// development; refused outside Env=="development".
	SkipDeviceFlow bool `envconfig:"TUNNEL_SKIP_AUTH" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads .env (if present) then the process environment, and panics
// if a required variable is missing, malformed, or fails a post-parse
// check (secret length, dev-only flags used outside development).
func Load() *Config {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(fmt.Errorf("config: %w", err))
	}

	if len(cfg.InternalAPISecret) < minSecretLen {
		panic(fmt.Errorf("config: INTERNAL_API_SECRET must be at least %d bytes, got %d", minSecretLen, len(cfg.InternalAPISecret)))
	}

	if cfg.SkipDeviceFlow && cfg.Env != "development" {
		panic(fmt.Errorf("config: TUNNEL_SKIP_AUTH is only permitted when ENV=development"))
	}

	return &cfg
}
