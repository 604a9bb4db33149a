package adminapi

import (
	"os"
	"time"

	"github.com/marmos91/vrnode/internal/logger"
)

// EnvAdminSecret is the name of the environment variable for the admin API's
// JWT signing secret.
const EnvAdminSecret = "VRNODE_ADMIN_SECRET"

// APIConfig configures the admin/introspection HTTP server.
//
// The admin API exposes liveness and replica-status endpoints. It is
// optional: a replica with the API disabled participates in the protocol
// exactly the same, it just cannot be inspected over HTTP.
type APIConfig struct {
	// Enabled controls whether the admin API server is started.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the admin endpoints.
	// Default: 8080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 10s
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out response writes.
	// Default: 10s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	// Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// JWT configures bearer-token authentication for the status endpoint.
	JWT JWTConfig `mapstructure:"jwt" yaml:"jwt"`
}

// JWTConfig configures operator token generation and validation.
type JWTConfig struct {
	// Secret is the HMAC signing key for operator tokens.
	// Must be at least 32 characters long.
	// Can also be set via the VRNODE_ADMIN_SECRET environment variable,
	// which takes precedence over the config file.
	Secret string `mapstructure:"secret" yaml:"secret"`

	// TokenDuration is the lifetime of issued operator tokens.
	// Default: 24h
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration"`
}

// applyDefaults fills in zero values with sensible defaults.
func (c *APIConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.JWT.TokenDuration == 0 {
		c.JWT.TokenDuration = 24 * time.Hour
	}
}

// GetJWTSecret returns the JWT secret, preferring the environment variable.
// Logs a warning if the environment variable overrides a config file value.
func (c *APIConfig) GetJWTSecret() string {
	envSecret := os.Getenv(EnvAdminSecret)
	if envSecret != "" {
		if c.JWT.Secret != "" && c.JWT.Secret != envSecret {
			logger.Warn("admin API secret from environment variable overrides config file value",
				"env_var", EnvAdminSecret)
		}
		return envSecret
	}
	return c.JWT.Secret
}
