package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del servicio.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Escrow     EscrowConfig     `yaml:"escrow"`
	Signer     SignerConfig     `yaml:"signer"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Settlement SettlementConfig `yaml:"settlement"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig controla la API HTTP.
type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	Metrics                bool   `yaml:"metrics"` // expone GET /metrics
}

// IndexerConfig apunta al indexador Esplora.
type IndexerConfig struct {
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSec     float64 `yaml:"rate_per_sec"`
	Burst          int     `yaml:"burst"`
	MaxRetries     int     `yaml:"max_retries"`
	RetryWaitMs    int     `yaml:"retry_wait_ms"`
}

// EscrowConfig controla la derivación de direcciones de escrow.
type EscrowConfig struct {
	Seed    string `yaml:"seed"`    // mejor vía ESCROW_SEED en .env
	Network string `yaml:"network"` // mainnet | testnet
}

// SignerConfig apunta al servicio de firma. Sin URL no se firma nada.
type SignerConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"` // base64url; mejor vía SIGNER_SECRET
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TrackerConfig controla el polling de pagos.
type TrackerConfig struct {
	Workers                int  `yaml:"workers"`
	PollTimeoutSeconds     int  `yaml:"poll_timeout_seconds"`
	AutoPair               bool `yaml:"auto_pair"`
	ConfirmAttempts        int  `yaml:"confirm_attempts"`
	ConfirmIntervalSeconds int  `yaml:"confirm_interval_seconds"`
}

// MonitorConfig controla el ciclo de mantenimiento.
type MonitorConfig struct {
	Enabled             *bool `yaml:"enabled"` // nil = true
	IntervalSeconds     int   `yaml:"interval_seconds"`
	CycleTimeoutSeconds int   `yaml:"cycle_timeout_seconds"`
}

// SettlementConfig controla los runs de liquidación.
type SettlementConfig struct {
	Concurrency        int   `yaml:"concurrency"`
	StepTimeoutSeconds int   `yaml:"step_timeout_seconds"`
	Confirmations      int64 `yaml:"confirmations"` // 0 = marcar tras el broadcast
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables de entorno sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate comprueba lo que no tiene un valor por defecto sensato.
func (c *Config) Validate() error {
	var errs []error
	if c.Escrow.Seed == "" {
		errs = append(errs, errors.New("escrow.seed (ESCROW_SEED) is required"))
	}
	switch c.Escrow.Network {
	case "mainnet", "testnet":
	default:
		errs = append(errs, fmt.Errorf("escrow.network: unknown network %q", c.Escrow.Network))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// MonitorEnabled indica si el monitor en background debe arrancar.
func (c *Config) MonitorEnabled() bool {
	return c.Monitor.Enabled == nil || *c.Monitor.Enabled
}

// MonitorInterval devuelve el intervalo del monitor como time.Duration.
func (c *Config) MonitorInterval() time.Duration {
	return Seconds(c.Monitor.IntervalSeconds)
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("INDEXER_URL"); v != "" {
		cfg.Indexer.BaseURL = v
	}
	if v := os.Getenv("ESCROW_SEED"); v != "" {
		cfg.Escrow.Seed = v
	}
	if v := os.Getenv("ESCROW_NETWORK"); v != "" {
		cfg.Escrow.Network = v
	}
	if v := os.Getenv("SIGNER_URL"); v != "" {
		cfg.Signer.URL = v
	}
	if v := os.Getenv("SIGNER_SECRET"); v != "" {
		cfg.Signer.Secret = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("MONITOR_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.IntervalSeconds = n
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutSeconds <= 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.ShutdownTimeoutSeconds <= 0 {
		cfg.Server.ShutdownTimeoutSeconds = 30
	}
	if cfg.Indexer.BaseURL == "" {
		cfg.Indexer.BaseURL = "https://mempool.space/api"
	}
	if cfg.Indexer.TimeoutSeconds <= 0 {
		cfg.Indexer.TimeoutSeconds = 10
	}
	if cfg.Indexer.RatePerSec <= 0 {
		cfg.Indexer.RatePerSec = 8
	}
	if cfg.Indexer.Burst <= 0 {
		cfg.Indexer.Burst = 4
	}
	if cfg.Indexer.MaxRetries <= 0 {
		cfg.Indexer.MaxRetries = 3
	}
	if cfg.Indexer.RetryWaitMs <= 0 {
		cfg.Indexer.RetryWaitMs = 500
	}
	if cfg.Escrow.Network == "" {
		cfg.Escrow.Network = "mainnet"
	}
	if cfg.Signer.TimeoutSeconds <= 0 {
		cfg.Signer.TimeoutSeconds = 20
	}
	if cfg.Tracker.Workers <= 0 {
		cfg.Tracker.Workers = 4
	}
	if cfg.Tracker.PollTimeoutSeconds <= 0 {
		cfg.Tracker.PollTimeoutSeconds = 15
	}
	if cfg.Tracker.ConfirmAttempts <= 0 {
		cfg.Tracker.ConfirmAttempts = 30
	}
	if cfg.Tracker.ConfirmIntervalSeconds <= 0 {
		cfg.Tracker.ConfirmIntervalSeconds = 10
	}
	if cfg.Monitor.IntervalSeconds <= 0 {
		cfg.Monitor.IntervalSeconds = 60
	}
	if cfg.Monitor.CycleTimeoutSeconds <= 0 {
		cfg.Monitor.CycleTimeoutSeconds = 300
	}
	if cfg.Settlement.Concurrency <= 0 {
		cfg.Settlement.Concurrency = 4
	}
	if cfg.Settlement.StepTimeoutSeconds <= 0 {
		cfg.Settlement.StepTimeoutSeconds = 30
	}
	if cfg.Settlement.Confirmations < 0 {
		cfg.Settlement.Confirmations = 0
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "dutchclear.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Seconds convierte un campo *_seconds de la configuración a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis convierte un campo *_ms de la configuración a time.Duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
