package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/lifebuffer/lifebuffer/internal/state"
)

// Config holds all environment-based configuration for the client.
// There is deliberately no client secret: this is a public PKCE client.
type Config struct {
	// Base URL of the authorization and resource server.
	APIBaseURL string `env:"LIFEBUFFER_API_BASE_URL" envDefault:"https://app.lifebuffer.com"`

	// Public OAuth client identifier.
	ClientID string `env:"LIFEBUFFER_CLIENT_ID"`

	// Space-delimited scope string sent on authorize and refresh.
	Scopes string `env:"LIFEBUFFER_SCOPES" envDefault:""`

	// Loopback redirect URI registered for this client. The local
	// callback server listens on its host and port.
	RedirectURI string `env:"LIFEBUFFER_REDIRECT_URI" envDefault:"http://127.0.0.1:8765/auth/callback"`

	// Path of the bbolt state database. Defaults to ~/.lifebuffer/state.db.
	StatePath string `env:"LIFEBUFFER_STATE_PATH"`

	// Optional hex-encoded 32-byte key used to encrypt stored values.
	StoreKey string `env:"LIFEBUFFER_STORE_KEY"`

	// How long the callback error page waits before sending the browser home.
	CallbackErrorDelay time.Duration `env:"LIFEBUFFER_CALLBACK_ERROR_DELAY" envDefault:"10s"`

	// Timeout for outbound HTTP requests.
	HTTPTimeout time.Duration `env:"LIFEBUFFER_HTTP_TIMEOUT" envDefault:"30s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the store key to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("LIFEBUFFER_CLIENT_ID is required")
	}

	base, err := url.Parse(c.APIBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("LIFEBUFFER_API_BASE_URL must be an absolute URL")
	}

	if base.Scheme != "https" && base.Scheme != "http" {
		return fmt.Errorf("LIFEBUFFER_API_BASE_URL must use http or https")
	}

	// RFC 8252 Section 7.3: native apps receive the redirect on a
	// loopback interface over plain http.
	redirect, err := url.Parse(c.RedirectURI)
	if err != nil || redirect.Scheme != "http" || !isLoopbackHost(redirect.Hostname()) {
		return fmt.Errorf("LIFEBUFFER_REDIRECT_URI must be an http loopback URL (127.0.0.1, ::1 or localhost)")
	}

	if redirect.Port() == "" {
		return fmt.Errorf("LIFEBUFFER_REDIRECT_URI must include a port")
	}

	if c.StoreKey != "" {
		key, err := hex.DecodeString(c.StoreKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("LIFEBUFFER_STORE_KEY must be 64 hex characters")
		}
	}

	if c.CallbackErrorDelay < 0 {
		return fmt.Errorf("LIFEBUFFER_CALLBACK_ERROR_DELAY must not be negative")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("LIFEBUFFER_HTTP_TIMEOUT must be positive")
	}

	return nil
}

// isLoopbackHost returns true if the hostname is a loopback address.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ScopeList splits Scopes on whitespace.
func (c *Config) ScopeList() []string {
	return strings.Fields(c.Scopes)
}

// CallbackListenAddr is the host:port the loopback callback server binds,
// taken from the redirect URI.
func (c *Config) CallbackListenAddr() string {
	u, err := url.Parse(c.RedirectURI)
	if err != nil {
		return ""
	}

	return u.Host
}

// CallbackPath is the path component of the redirect URI.
func (c *Config) CallbackPath() string {
	u, err := url.Parse(c.RedirectURI)
	if err != nil || u.Path == "" {
		return "/"
	}

	return u.Path
}

// HomeURL is where the browser lands after the flow completes: the
// root of the loopback callback server.
func (c *Config) HomeURL() string {
	u, err := url.Parse(c.RedirectURI)
	if err != nil {
		return "/"
	}

	return u.Scheme + "://" + u.Host + "/"
}
