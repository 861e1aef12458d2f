package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for tradegated.
type Config struct {
	ListenAddress string              `yaml:"listen"`
	DatabasePath  string              `yaml:"database"`
	KeystoreDir   string              `yaml:"keystore"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Deals         DealConfig          `yaml:"deals"`
	Security      SecurityConfig      `yaml:"security"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LedgerConfig describes the upstream ledger node connection.
type LedgerConfig struct {
	URL            string   `yaml:"url"`
	AuthToken      string   `yaml:"auth_token"`
	RequestTimeout Duration `yaml:"request_timeout"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	MaxRetries     int      `yaml:"max_retries"`
	FaucetEnabled  bool     `yaml:"faucet_enabled"`

	Trustline TrustlineConfig `yaml:"trustline"`
}

// TrustlineConfig describes the settlement asset line provisioned for new
// wallets. An empty currency disables provisioning.
type TrustlineConfig struct {
	Currency string `yaml:"currency"`
	Issuer   string `yaml:"issuer"`
	Limit    string `yaml:"limit"`
}

// DealConfig controls escrow deadline defaults applied to new deals.
type DealConfig struct {
	CancelAfterDays int `yaml:"cancel_after_days"`
	FinishAfterDays int `yaml:"finish_after_days"`
}

// APIKey is a key/secret pair accepted by the HTTP gateway.
type APIKey struct {
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
}

// SecurityConfig tunes request authentication and throttling.
type SecurityConfig struct {
	APIKeys        []APIKey `yaml:"api_keys"`
	TimestampSkew  Duration `yaml:"timestamp_skew"`
	NonceTTL       Duration `yaml:"nonce_ttl"`
	NonceCapacity  int      `yaml:"nonce_capacity"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	RateBurst      int      `yaml:"rate_burst"`
	IdempotencyTTL Duration `yaml:"idempotency_ttl"`
}

// ObservabilityConfig selects log and telemetry behaviour.
type ObservabilityConfig struct {
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	OTLPHeaders  string `yaml:"otlp_headers"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7120"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/tradegate.sqlite"
	}
	if cfg.KeystoreDir == "" {
		cfg.KeystoreDir = "/var/data/tradegate-keys"
	}
	if cfg.Ledger.RequestTimeout.Duration == 0 {
		cfg.Ledger.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Ledger.ConfirmTimeout.Duration == 0 {
		cfg.Ledger.ConfirmTimeout.Duration = 30 * time.Second
	}
	if cfg.Ledger.RetryBaseDelay.Duration == 0 {
		cfg.Ledger.RetryBaseDelay.Duration = 500 * time.Millisecond
	}
	if cfg.Ledger.MaxRetries <= 0 {
		cfg.Ledger.MaxRetries = 3
	}
	if cfg.Ledger.Trustline.Currency != "" && cfg.Ledger.Trustline.Limit == "" {
		cfg.Ledger.Trustline.Limit = "1000000"
	}
	if cfg.Deals.CancelAfterDays <= 0 {
		cfg.Deals.CancelAfterDays = 30
	}
	if cfg.Deals.FinishAfterDays < 0 {
		cfg.Deals.FinishAfterDays = 0
	}
	if cfg.Security.TimestampSkew.Duration == 0 {
		cfg.Security.TimestampSkew.Duration = 2 * time.Minute
	}
	if cfg.Security.NonceTTL.Duration == 0 {
		cfg.Security.NonceTTL.Duration = 2 * cfg.Security.TimestampSkew.Duration
	}
	if cfg.Security.NonceTTL.Duration < cfg.Security.TimestampSkew.Duration {
		cfg.Security.NonceTTL.Duration = cfg.Security.TimestampSkew.Duration
	}
	if cfg.Security.NonceCapacity <= 0 {
		cfg.Security.NonceCapacity = 1024
	}
	if cfg.Security.RatePerSecond <= 0 {
		cfg.Security.RatePerSecond = 10
	}
	if cfg.Security.RateBurst <= 0 {
		cfg.Security.RateBurst = 20
	}
	if cfg.Security.IdempotencyTTL.Duration == 0 {
		cfg.Security.IdempotencyTTL.Duration = 24 * time.Hour
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "tradegated"
	}
	if cfg.Observability.Environment == "" {
		cfg.Observability.Environment = "dev"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
}

func validate(cfg Config) error {
	if cfg.Ledger.URL == "" {
		return fmt.Errorf("ledger url must be configured")
	}
	if len(cfg.Security.APIKeys) == 0 {
		return fmt.Errorf("at least one api key must be configured")
	}
	for _, entry := range cfg.Security.APIKeys {
		if strings.TrimSpace(entry.Key) == "" || strings.TrimSpace(entry.Secret) == "" {
			return fmt.Errorf("api key entries must include key and secret")
		}
	}
	if cfg.Ledger.Trustline.Currency != "" && cfg.Ledger.Trustline.Issuer == "" {
		return fmt.Errorf("trustline issuer required when currency is set")
	}
	if cfg.Deals.CancelAfterDays < cfg.Deals.FinishAfterDays {
		return fmt.Errorf("cancel_after_days must not be below finish_after_days")
	}
	return nil
}
