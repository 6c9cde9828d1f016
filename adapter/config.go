package ctrader

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Environment selects the broker endpoint pair.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvLive Environment = "live"
)

const (
	demoHost = "demo.ctraderapi.com:5035"
	liveHost = "live.ctraderapi.com:5035"

	authURL  = "https://openapi.ctrader.com/apps/auth"
	tokenURL = "https://openapi.ctrader.com/apps/token"
)

// DialFunc opens the transport connection. The default dials TLS to
// Config.Host; tests substitute a plain TCP dial to an in-process broker.
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// Config carries everything the client needs to reach and authenticate with
// the broker.
type Config struct {
	Environment  Environment
	Host         string
	ClientID     string
	ClientSecret string
	AccountID    int64

	// AccessToken is used directly on demo. On live the TokenManager
	// supplies tokens and this field is ignored.
	AccessToken string

	RedirectURI string

	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	ReadTimeout     time.Duration
	HeartbeatPeriod time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	TLSConfig *tls.Config
	Dial      DialFunc

	Logger *slog.Logger
}

// DefaultConfig returns a demo-environment config with the standard protocol
// timings filled in.
func DefaultConfig() Config {
	return Config{
		Environment:          EnvDemo,
		Host:                 demoHost,
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       30 * time.Second,
		ReadTimeout:          30 * time.Second,
		HeartbeatPeriod:      25 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// applyDefaults fills zero-valued timings so a partially built Config still
// behaves.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Host == "" {
		if c.Environment == EnvLive {
			c.Host = liveHost
		} else {
			c.Host = demoHost
		}
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.HeartbeatPeriod == 0 {
		c.HeartbeatPeriod = d.HeartbeatPeriod
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// OAuthConfig builds the oauth2 configuration for the token endpoint.
func (c *Config) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       []string{"trading"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
		RedirectURL: c.RedirectURI,
	}
}

// LoadEnvironmentConfig builds a Config from environment variables. The
// environment selector defaults to demo so a misconfigured deployment never
// touches real money.
func LoadEnvironmentConfig(logger *slog.Logger) (Config, error) {
	environment := os.Getenv("CTRADER_ENVIRONMENT")
	if environment == "" {
		environment = "demo"
	}

	cfg := DefaultConfig()
	cfg.Logger = logger

	switch environment {
	case "demo":
		cfg.Environment = EnvDemo
		cfg.Host = demoHost
		cfg.ClientID = os.Getenv("DEMO_CLIENT_ID")
		cfg.ClientSecret = os.Getenv("DEMO_CLIENT_SECRET")
		cfg.AccessToken = os.Getenv("DEMO_ACCESS_TOKEN")
		logger.Info("Using demo trading environment", "function", "LoadEnvironmentConfig")

	case "live":
		cfg.Environment = EnvLive
		cfg.Host = liveHost
		cfg.ClientID = os.Getenv("LIVE_CLIENT_ID")
		cfg.ClientSecret = os.Getenv("LIVE_CLIENT_SECRET")
		logger.Warn("Configured for LIVE trading environment, real money at risk",
			"function", "LoadEnvironmentConfig")

	default:
		return Config{}, fmt.Errorf("invalid CTRADER_ENVIRONMENT: %s (must be 'demo' or 'live')", environment)
	}

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return Config{}, fmt.Errorf("missing OAuth credentials for %s environment", environment)
	}

	accountID := os.Getenv("CTRADER_ACCOUNT_ID")
	if accountID == "" {
		return Config{}, fmt.Errorf("CTRADER_ACCOUNT_ID is not set")
	}
	id, err := strconv.ParseInt(accountID, 10, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid CTRADER_ACCOUNT_ID %q: %w", accountID, err)
	}
	cfg.AccountID = id
	cfg.RedirectURI = os.Getenv("CTRADER_REDIRECT_URI")

	logger.Info("Broker configuration loaded",
		"function", "LoadEnvironmentConfig",
		"environment", environment,
		"host", cfg.Host,
		"clientID", maskClientID(cfg.ClientID),
		"accountID", cfg.AccountID)

	return cfg, nil
}

// maskClientID hides most of the client ID so it is safe to log.
func maskClientID(clientID string) string {
	if len(clientID) <= 8 {
		return "****"
	}
	return clientID[:4] + "****" + clientID[len(clientID)-4:]
}
