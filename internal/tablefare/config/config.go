package config

import (
	"flag"
	"os"
	"strings"
	"time"
)

// Config contains application configuration
type Config struct {
	RunAddress  string
	DatabaseURI string
	JWTSecret   string

	// TaxRate is a decimal string, e.g. "0.08" for 8 percent
	TaxRate string

	// Payment providers
	AuthNetURL     string
	AuthNetLoginID string
	AuthNetKey     string
	CloverURL      string
	CloverToken    string
	IngenicoURL    string
	IngenicoKey    string

	// TerminalRoutes maps terminal ID prefixes to provider names, as a
	// comma-separated list of prefix=provider pairs, e.g. "CLV=clover,ING=ingenico"
	TerminalRoutes string

	ProviderTimeout time.Duration
	ExpireInterval  time.Duration

	// ExpireOnce runs the expiration sweep once and exits instead of serving
	ExpireOnce bool
}

// NewConfig creates a new configuration from environment variables or flags
func NewConfig() *Config {
	var cfg Config

	// Parse flags
	flag.StringVar(&cfg.RunAddress, "a", "", "Server run address")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "Database URI")
	flag.StringVar(&cfg.JWTSecret, "s", "", "JWT signing secret")
	flag.StringVar(&cfg.TaxRate, "tax-rate", "", "Sales tax rate as a decimal")
	flag.StringVar(&cfg.AuthNetURL, "authnet-url", "", "Authorize.Net API URL")
	flag.StringVar(&cfg.AuthNetLoginID, "authnet-login", "", "Authorize.Net API login ID")
	flag.StringVar(&cfg.AuthNetKey, "authnet-key", "", "Authorize.Net transaction key")
	flag.StringVar(&cfg.CloverURL, "clover-url", "", "Clover API URL")
	flag.StringVar(&cfg.CloverToken, "clover-token", "", "Clover API token")
	flag.StringVar(&cfg.IngenicoURL, "ingenico-url", "", "Ingenico API URL")
	flag.StringVar(&cfg.IngenicoKey, "ingenico-key", "", "Ingenico API key")
	flag.StringVar(&cfg.TerminalRoutes, "terminal-routes", "", "Terminal prefix to provider routes")
	flag.DurationVar(&cfg.ProviderTimeout, "provider-timeout", 0, "Payment provider request timeout")
	flag.DurationVar(&cfg.ExpireInterval, "expire-interval", 0, "Loyalty point expiration sweep interval")
	flag.BoolVar(&cfg.ExpireOnce, "expire-once", false, "Run the expiration sweep once and exit")
	flag.Parse()

	// Override with env vars if present
	if envAddr := os.Getenv("RUN_ADDRESS"); envAddr != "" {
		cfg.RunAddress = envAddr
	}

	if envDBURI := os.Getenv("DATABASE_URI"); envDBURI != "" {
		cfg.DatabaseURI = envDBURI
	}

	if envSecret := os.Getenv("JWT_SECRET"); envSecret != "" {
		cfg.JWTSecret = envSecret
	}

	if envRate := os.Getenv("TAX_RATE"); envRate != "" {
		cfg.TaxRate = envRate
	}

	if envURL := os.Getenv("AUTHNET_URL"); envURL != "" {
		cfg.AuthNetURL = envURL
	}

	if envLogin := os.Getenv("AUTHNET_LOGIN_ID"); envLogin != "" {
		cfg.AuthNetLoginID = envLogin
	}

	if envKey := os.Getenv("AUTHNET_TRANSACTION_KEY"); envKey != "" {
		cfg.AuthNetKey = envKey
	}

	if envURL := os.Getenv("CLOVER_URL"); envURL != "" {
		cfg.CloverURL = envURL
	}

	if envToken := os.Getenv("CLOVER_TOKEN"); envToken != "" {
		cfg.CloverToken = envToken
	}

	if envURL := os.Getenv("INGENICO_URL"); envURL != "" {
		cfg.IngenicoURL = envURL
	}

	if envKey := os.Getenv("INGENICO_KEY"); envKey != "" {
		cfg.IngenicoKey = envKey
	}

	if envRoutes := os.Getenv("TERMINAL_ROUTES"); envRoutes != "" {
		cfg.TerminalRoutes = envRoutes
	}

	if envTimeout := os.Getenv("PROVIDER_TIMEOUT"); envTimeout != "" {
		if d, err := time.ParseDuration(envTimeout); err == nil {
			cfg.ProviderTimeout = d
		}
	}

	if envInterval := os.Getenv("EXPIRE_INTERVAL"); envInterval != "" {
		if d, err := time.ParseDuration(envInterval); err == nil {
			cfg.ExpireInterval = d
		}
	}

	// Set defaults if needed
	if cfg.RunAddress == "" {
		cfg.RunAddress = ":8080"
	}

	if cfg.TaxRate == "" {
		cfg.TaxRate = "0.08"
	}

	if cfg.AuthNetURL == "" {
		cfg.AuthNetURL = "https://api.authorize.net/xml/v1/request.api"
	}

	if cfg.CloverURL == "" {
		cfg.CloverURL = "https://api.clover.com"
	}

	if cfg.IngenicoURL == "" {
		cfg.IngenicoURL = "https://payment.direct.worldline-solutions.com"
	}

	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}

	if cfg.ExpireInterval == 0 {
		cfg.ExpireInterval = time.Hour
	}

	return &cfg
}

// ParseTerminalRoutes splits the route string into prefix/provider pairs.
// Malformed entries are skipped.
func ParseTerminalRoutes(routes string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(routes, ",") {
		prefix, provider, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || prefix == "" || provider == "" {
			continue
		}
		out[prefix] = provider
	}
	return out
}
