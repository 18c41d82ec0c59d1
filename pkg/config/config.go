package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"CoordRisk/pkg/logger"
)

type Config struct {
	Environment string        `yaml:"environment" default:"development" validate:"required,oneof=development staging production test"`
	Log         logger.Config `yaml:"log"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		RateLimit       float64       `yaml:"rate_limit" default:"20"` // requests per second per client, 0 disables
		RateBurst       int           `yaml:"rate_burst" default:"40"`
		MaxBatch        int           `yaml:"max_batch" default:"64" validate:"min=1"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	VMM         VMMConfig         `yaml:"vmm"`
	Calibration CalibrationConfig `yaml:"calibration"`
	ClickHouse  struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost" validate:"required_if=Enabled true"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"market"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		Table            string        `yaml:"table" default:"venue_prices"`
		UseHTTP          bool          `yaml:"use_http"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
		Breaker          struct {
			MaxRequests uint32        `yaml:"max_requests" default:"1"`
			Interval    time.Duration `yaml:"interval" default:"60s"`
			Timeout     time.Duration `yaml:"timeout" default:"30s"`
			Failures    uint32        `yaml:"failures" default:"5" validate:"min=1"`
		} `yaml:"breaker"`
	} `yaml:"clickhouse"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers" validate:"required_if=Enabled true"`
		RequestTopic string   `yaml:"request_topic" default:"coordrisk.window.requests"`
		ResultTopic  string   `yaml:"result_topic" default:"coordrisk.window.results"`
		RequiredAcks int      `yaml:"required_acks" default:"1"`
		Compression  string   `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"5"`
			Linger       time.Duration `yaml:"linger" default:"10ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"coordrisk"`
			Workers    int           `yaml:"workers" default:"4" validate:"min=1"`
			BufferSize int           `yaml:"buffer_size" default:"256"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic" default:"coordrisk.window.dlq"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Redis struct {
		Addr       string `yaml:"addr" default:"localhost:6379"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		PoolSize   int    `yaml:"pool_size" default:"10"`
		KeyPrefix  string `yaml:"key_prefix" default:"coordrisk"`
		MaxRetries int    `yaml:"max_retries" default:"3"`
	} `yaml:"redis"`
	Workers struct {
		Batch int `yaml:"batch" default:"4" validate:"min=1"`
	} `yaml:"workers"`
}

// VMMConfig mirrors the engine configuration.
type VMMConfig struct {
	Window            int     `yaml:"window" default:"100" validate:"min=3"`
	StepInitial       float64 `yaml:"step_initial" default:"0.01" validate:"gt=0"`
	StepDecay         float64 `yaml:"step_decay" default:"1" validate:"gt=0,lte=1"`
	MaxIters          int     `yaml:"max_iters" default:"200" validate:"min=1"`
	Tol               float64 `yaml:"tol" default:"0.00001" validate:"gt=0"`
	ConvergenceWindow int     `yaml:"convergence_window" default:"5" validate:"min=2"`
	EarlyStopPlateau  bool    `yaml:"early_stop_plateau" default:"true"`
	DivergenceGuard   bool    `yaml:"divergence_guard" default:"true"`
	MinDataPoints     int     `yaml:"min_data_points" default:"30" validate:"min=3"`
	Seed              uint64  `yaml:"seed" default:"42"`
	EmitParams        bool    `yaml:"emit_params"`
	EmitMoments       bool    `yaml:"emit_moments"`
}

type CalibrationConfig struct {
	Method          string  `yaml:"method" default:"isotonic" validate:"oneof=isotonic platt"`
	ValidationSplit float64 `yaml:"validation_split" default:"0.2" validate:"gte=0,lt=1"`
	Seed            uint64  `yaml:"seed" default:"42"`
	PlattLR         float64 `yaml:"platt_lr" default:"0.5" validate:"gt=0"`
	PlattEpochs     int     `yaml:"platt_epochs" default:"2000" validate:"min=1"`
	Guard           bool    `yaml:"spurious_guard" default:"true"`
	Store           string  `yaml:"store" default:"file" validate:"oneof=file redis"`
	Dir             string  `yaml:"dir" default:"./calibrators"`
	Gates           struct {
		SpuriousThreshold    float64 `yaml:"spurious_threshold" default:"0.67"`
		MaxSpuriousRate      float64 `yaml:"max_spurious_rate" default:"0.05"`
		MinCoordinatedMedian float64 `yaml:"min_coordinated_median" default:"0.7"`
		HighThreshold        float64 `yaml:"high_threshold" default:"0.8"`
		MinHighFraction      float64 `yaml:"min_high_fraction" default:"0.3"`
	} `yaml:"gates"`
}

// Default returns a configuration populated from struct defaults only.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return &c, nil
}

// Parse applies defaults, overlays YAML and validates.
func Parse(b []byte) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// LoadWithEnv loads config from YAML and overrides with environment variables. An empty
// path starts from defaults.
func LoadWithEnv(path string) (*Config, error) {
	var (
		c   *Config
		err error
	)
	if path == "" {
		c, err = Default()
	} else {
		c, err = Load(path)
	}
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("COORDRISK_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
		c.ClickHouse.Enabled = true
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CALIBRATOR_DIR"); v != "" {
		c.Calibration.Dir = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks struct tags plus cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Calibration.Store == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("calibration.store=redis requires redis.addr")
	}
	if c.VMM.MinDataPoints > c.VMM.Window {
		return fmt.Errorf("vmm.min_data_points (%d) exceeds vmm.window (%d)", c.VMM.MinDataPoints, c.VMM.Window)
	}
	return nil
}
