package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "config/config.yml"
)

var environmentConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

type Config struct {
	App           AppConfig           `yaml:"app"`
	Logging       LoggingConfig       `yaml:"logging"`
	Controller    ControllerConfig    `yaml:"controller"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Status        StatusConfig        `yaml:"status"`
	Markets       []string            `yaml:"markets"`
	Exchanges     ExchangesConfig     `yaml:"exchanges"`
	Credentials   Credentials         `yaml:"-"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ControllerConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type NotificationsConfig struct {
	Buffer int         `yaml:"buffer"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Prometheus bool             `yaml:"prometheus"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type ExchangesConfig struct {
	Bitmex  ExchangeConfig `yaml:"bitmex"`
	Bybit   ExchangeConfig `yaml:"bybit"`
	Deribit ExchangeConfig `yaml:"deribit"`
}

// SymbolConfig names one instrument the market must find during discovery.
type SymbolConfig struct {
	Symbol   string `yaml:"symbol"`
	Category string `yaml:"category"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type ExchangeConfig struct {
	RestURL         string               `yaml:"rest_url"`
	WsURL           string               `yaml:"ws_url"`
	Testnet         bool                 `yaml:"testnet"`
	Symbols         []SymbolConfig       `yaml:"symbols"`
	Categories      []string             `yaml:"categories"`
	Currencies      []string             `yaml:"currencies"`
	CurrencyDivisor map[string]float64   `yaml:"currency_divisor"`
	Timeout         time.Duration        `yaml:"timeout"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
	FundingInterval time.Duration        `yaml:"funding_interval"`
	Keepalive       time.Duration        `yaml:"keepalive"`
	ReadTimeout     time.Duration        `yaml:"read_timeout"`
	ConnectionPool  ConnectionPoolConfig `yaml:"connection_pool"`
}

// Credentials are never read from the YAML file.
type Credentials struct {
	BitmexKey     string `envconfig:"BITMEX_API_KEY"`
	BitmexSecret  string `envconfig:"BITMEX_API_SECRET"`
	BybitKey      string `envconfig:"BYBIT_API_KEY"`
	BybitSecret   string `envconfig:"BYBIT_API_SECRET"`
	DeribitKey    string `envconfig:"DERIBIT_API_KEY"`
	DeribitSecret string `envconfig:"DERIBIT_API_SECRET"`
}

// Exchange returns the section for the given market name, matched case-insensitively.
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	switch strings.ToLower(name) {
	case "bitmex":
		return c.Exchanges.Bitmex, true
	case "bybit":
		return c.Exchanges.Bybit, true
	case "deribit":
		return c.Exchanges.Deribit, true
	}
	return ExchangeConfig{}, false
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
		},
		Controller: ControllerConfig{
			PollInterval: time.Second,
			RetryDelay:   2 * time.Second,
		},
		Notifications: NotificationsConfig{
			Buffer: 256,
		},
		Status: StatusConfig{
			Address: ":8080",
		},
	}
}

func applyExchangeDefaults(ex *ExchangeConfig) {
	if ex.Timeout <= 0 {
		ex.Timeout = 10 * time.Second
	}
	if ex.RateLimit.RequestsPerSecond <= 0 {
		ex.RateLimit.RequestsPerSecond = 5
	}
	if ex.RateLimit.Burst <= 0 {
		ex.RateLimit.Burst = 1
	}
	if ex.FundingInterval <= 0 {
		ex.FundingInterval = time.Minute
	}
	if ex.Keepalive <= 0 {
		ex.Keepalive = 20 * time.Second
	}
	if ex.ReadTimeout <= 0 {
		ex.ReadTimeout = 60 * time.Second
	}
	if ex.ConnectionPool.MaxIdleConns <= 0 {
		ex.ConnectionPool.MaxIdleConns = 10
	}
	if ex.ConnectionPool.IdleConnTimeout <= 0 {
		ex.ConnectionPool.IdleConnTimeout = 90 * time.Second
	}
	for i := range ex.Symbols {
		ex.Symbols[i].Symbol = strings.TrimSpace(ex.Symbols[i].Symbol)
		ex.Symbols[i].Category = strings.ToLower(strings.TrimSpace(ex.Symbols[i].Category))
	}
}

// LoadConfig reads the YAML file at path, honouring APP_ENV specific files,
// then overlays credentials from the environment.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, environmentConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyExchangeDefaults(&config.Exchanges.Bitmex)
	applyExchangeDefaults(&config.Exchanges.Bybit)
	applyExchangeDefaults(&config.Exchanges.Deribit)

	if err := envconfig.Process("", &config.Credentials); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Notifications.Kafka.Brokers = strings.Split(strings.TrimSpace(v), ",")
	}
	if v := os.Getenv("AWS_REGION"); v != "" && config.Metrics.CloudWatch.Region == "" {
		config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

var validCategories = map[string]struct{}{
	"inverse": {},
	"quanto":  {},
	"linear":  {},
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if len(cfg.Markets) == 0 {
		return fmt.Errorf("markets must list at least one exchange")
	}

	if cfg.Controller.PollInterval <= 0 {
		return fmt.Errorf("controller.poll_interval must be greater than 0")
	}
	if cfg.Controller.RetryDelay < 0 {
		return fmt.Errorf("controller.retry_delay must not be negative")
	}
	if cfg.Controller.MaxReconnectAttempts < 0 {
		return fmt.Errorf("controller.max_reconnect_attempts must not be negative")
	}

	if cfg.Notifications.Buffer <= 0 {
		return fmt.Errorf("notifications.buffer must be greater than 0")
	}
	if cfg.Notifications.Kafka.Enabled {
		if len(cfg.Notifications.Kafka.Brokers) == 0 {
			return fmt.Errorf("notifications.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Notifications.Kafka.Topic == "" {
			return fmt.Errorf("notifications.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Status.Enabled && cfg.Status.Address == "" {
		return fmt.Errorf("status.address is required when the status server is enabled")
	}

	seen := make(map[string]struct{}, len(cfg.Markets))
	for _, name := range cfg.Markets {
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("markets: %q listed twice", name)
		}
		seen[key] = struct{}{}

		ex, ok := cfg.Exchange(name)
		if !ok {
			// Markets without an exchanges section (test doubles) are resolved by name only.
			continue
		}
		if err := validateExchange(key, ex); err != nil {
			return err
		}
	}

	return nil
}

func validateExchange(name string, ex ExchangeConfig) error {
	if ex.RestURL == "" {
		return fmt.Errorf("exchanges.%s.rest_url is required", name)
	}
	if ex.WsURL == "" {
		return fmt.Errorf("exchanges.%s.ws_url is required", name)
	}
	if len(ex.Symbols) == 0 {
		return fmt.Errorf("exchanges.%s.symbols must not be empty", name)
	}
	for _, s := range ex.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("exchanges.%s.symbols: empty symbol", name)
		}
		if _, ok := validCategories[s.Category]; !ok {
			return fmt.Errorf("exchanges.%s.symbols: %s has unknown category %q", name, s.Symbol, s.Category)
		}
	}
	for currency, divisor := range ex.CurrencyDivisor {
		if divisor <= 0 {
			return fmt.Errorf("exchanges.%s.currency_divisor.%s must be greater than 0", name, currency)
		}
	}
	return nil
}

// AllCategories returns the distinct categories of the configured symbols,
// merged with any explicitly listed ones, sorted.
func (e ExchangeConfig) AllCategories() []string {
	set := make(map[string]struct{})
	for _, c := range e.Categories {
		set[strings.ToLower(c)] = struct{}{}
	}
	for _, s := range e.Symbols {
		set[s.Category] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
