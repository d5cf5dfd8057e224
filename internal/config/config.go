package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when Load receives an empty path.
const ConfigPath = "config.yaml"

const (
	TransportRedis  = "redis"
	TransportAMQP   = "amqp"
	TransportMemory = "memory"
)

// Duration is a time.Duration written as "3s", "100ms" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Listen        string `yaml:"listen"`
	LogLevel      string `yaml:"logLevel"`
	AllowedOrigin string `yaml:"allowedOrigin"`

	// Empty DatabaseURL runs against the in-memory backend.
	DatabaseURL string `yaml:"databaseURL"`

	FeedTransport string `yaml:"feedTransport"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	FeedPrefix    string `yaml:"feedPrefix"`
	AMQPURL       string `yaml:"amqpURL"`
	AMQPExchange  string `yaml:"amqpExchange"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	StorageDir     string `yaml:"storageDir"`

	ExtractionStream string `yaml:"extractionStream"`

	JWTIssuer   string   `yaml:"jwtIssuer"`
	JWTAudience string   `yaml:"jwtAudience"`
	JWTLeeway   Duration `yaml:"jwtLeeway"`
	JWKSURL     string   `yaml:"jwksURL"`
	JWTSecret   string   `yaml:"jwtSecret"`

	ReportActiveInterval Duration `yaml:"reportActiveInterval"`
	BiomarkerInterval    Duration `yaml:"biomarkerInterval"`
	ProgressTick         Duration `yaml:"progressTick"`
	ProgressRetention    Duration `yaml:"progressRetention"`

	// Zero disables the limiter. Limiters need RedisAddr.
	RefreshRateLimit int      `yaml:"refreshRateLimit"`
	UploadRateLimit  int      `yaml:"uploadRateLimit"`
	RateWindow       Duration `yaml:"rateWindow"`
	MaxUploadBytes   int64    `yaml:"maxUploadBytes"`
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and defaults, then validates.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	strs := map[string]*string{
		"LABSYNC_LISTEN":         &cfg.Listen,
		"LABSYNC_LOG_LEVEL":      &cfg.LogLevel,
		"LABSYNC_ALLOWED_ORIGIN": &cfg.AllowedOrigin,
		"DATABASE_URL":           &cfg.DatabaseURL,
		"LABSYNC_FEED_TRANSPORT": &cfg.FeedTransport,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"AMQP_URL":               &cfg.AMQPURL,
		"MINIO_ENDPOINT":         &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":       &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":       &cfg.MinioSecretKey,
		"MINIO_BUCKET":           &cfg.MinioBucket,
		"LABSYNC_STORAGE_DIR":    &cfg.StorageDir,
		"LABSYNC_JWKS_URL":       &cfg.JWKSURL,
		"LABSYNC_JWT_SECRET":     &cfg.JWTSecret,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	durations := map[string]*Duration{
		"LABSYNC_REPORT_ACTIVE_INTERVAL": &cfg.ReportActiveInterval,
		"LABSYNC_BIOMARKER_INTERVAL":     &cfg.BiomarkerInterval,
		"LABSYNC_PROGRESS_TICK":          &cfg.ProgressTick,
	}
	for key, dst := range durations {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = Duration(d)
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.FeedTransport == "" {
		cfg.FeedTransport = TransportRedis
	}
	cfg.FeedTransport = strings.ToLower(strings.TrimSpace(cfg.FeedTransport))
	if cfg.ExtractionStream == "" {
		cfg.ExtractionStream = "labsync:extraction"
	}
	if cfg.ReportActiveInterval == 0 {
		cfg.ReportActiveInterval = Duration(3 * time.Second)
	}
	if cfg.BiomarkerInterval == 0 {
		cfg.BiomarkerInterval = Duration(30 * time.Second)
	}
	if cfg.ProgressTick == 0 {
		cfg.ProgressTick = Duration(100 * time.Millisecond)
	}
	if cfg.ProgressRetention == 0 {
		cfg.ProgressRetention = Duration(5 * time.Minute)
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = Duration(time.Minute)
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Listen == "" {
		return errors.New("config: listen is required (set in config.yaml or LABSYNC_LISTEN)")
	}
	switch cfg.FeedTransport {
	case TransportRedis:
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis feed (set in config.yaml or REDIS_ADDR)")
		}
	case TransportAMQP:
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for the amqp feed (set in config.yaml or AMQP_URL)")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("config: unknown feedTransport %q", cfg.FeedTransport)
	}
	if cfg.MinioEndpoint == "" && cfg.StorageDir == "" {
		return errors.New("config: minioEndpoint or storageDir is required")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required with minioEndpoint")
	}
	if cfg.JWKSURL == "" && cfg.JWTSecret == "" {
		return errors.New("config: jwksURL or jwtSecret is required (LABSYNC_JWKS_URL / LABSYNC_JWT_SECRET)")
	}
	if cfg.ReportActiveInterval < 0 || cfg.BiomarkerInterval < 0 || cfg.ProgressTick < 0 {
		return errors.New("config: intervals must be positive")
	}
	if cfg.RefreshRateLimit < 0 || cfg.UploadRateLimit < 0 || cfg.MaxUploadBytes < 0 {
		return errors.New("config: rate limits and maxUploadBytes must not be negative")
	}
	if (cfg.RefreshRateLimit > 0 || cfg.UploadRateLimit > 0) && cfg.RedisAddr == "" {
		return errors.New("config: rate limits require redisAddr")
	}
	return nil
}
