// Package config loads lookout settings from a .env file, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Inference InferenceConfig `yaml:"inference"`
	Storage   StorageConfig   `yaml:"storage"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Auth      AuthConfig      `yaml:"auth"`
	Worker    WorkerConfig    `yaml:"worker"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// DatabaseConfig selects sqlite or postgres. For postgres an empty DSN is built from the POSTGRES_* parts.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN      string         `yaml:"dsn" env:"DATABASE_URL"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	User     string `yaml:"user" env:"POSTGRES_USER"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD"`
	Host     string `yaml:"host" env:"POSTGRES_HOST"`
	Port     int    `yaml:"port" env:"POSTGRES_PORT"`
	DB       string `yaml:"db" env:"POSTGRES_DB"`
	SSLMode  string `yaml:"sslmode" env:"POSTGRES_SSLMODE"`
}

type InferenceConfig struct {
	Provider   string        `yaml:"provider" env:"INFERENCE_PROVIDER"`
	Endpoint   string        `yaml:"endpoint" env:"INFERENCE_ENDPOINT"`
	Timeout    time.Duration `yaml:"timeout" env:"INFERENCE_TIMEOUT"`
	Confidence float64       `yaml:"confidence" env:"INFERENCE_CONFIDENCE"`
}

type StorageConfig struct {
	UploadsDir string `yaml:"uploads_dir" env:"UPLOADS_DIR"`
	// MaxUploadBytes caps a single video upload
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
}

type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled" env:"MINIO_ENABLED"`
	Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
	Secure    bool   `yaml:"secure" env:"MINIO_SECURE"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
}

type AuthConfig struct {
	Enabled   bool          `yaml:"enabled" env:"AUTH_ENABLED"`
	Username  string        `yaml:"username" env:"AUTH_USERNAME"`
	Password  string        `yaml:"password" env:"AUTH_PASSWORD"`
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTExpiry time.Duration `yaml:"jwt_expiry" env:"JWT_EXPIRY"`
}

type TelegramConfig struct {
	Enabled  bool          `yaml:"enabled" env:"TELEGRAM_ENABLED"`
	BotToken string        `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	ChatID   string        `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	Cooldown time.Duration `yaml:"cooldown" env:"TELEGRAM_COOLDOWN"`
	Classes  []string      `yaml:"classes" env:"TELEGRAM_CLASSES" envSeparator:","`
}

type WorkerConfig struct {
	StopTimeout      time.Duration `yaml:"stop_timeout" env:"WORKER_STOP_TIMEOUT"`
	Cooldown         time.Duration `yaml:"cooldown" env:"EVENT_COOLDOWN"`
	BridgeBuffer     int           `yaml:"bridge_buffer" env:"BRIDGE_BUFFER"`
	FPS              int           `yaml:"fps" env:"SOURCE_FPS"`
	OpenTimeout      time.Duration `yaml:"open_timeout" env:"SOURCE_OPEN_TIMEOUT"`
	FFmpegPath       string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	FFprobePath      string        `yaml:"ffprobe_path" env:"FFPROBE_PATH"`
	DefaultModelType string        `yaml:"default_model_type" env:"DEFAULT_MODEL_TYPE"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8000",
			CORSOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "lookout.db",
			Postgres: PostgresConfig{
				User:    "postgres",
				Host:    "localhost",
				Port:    5432,
				DB:      "detection_db",
				SSLMode: "disable",
			},
		},
		Inference: InferenceConfig{
			Provider:   "http",
			Endpoint:   "http://localhost:9000",
			Timeout:    15 * time.Second,
			Confidence: 0.25,
		},
		Storage: StorageConfig{
			UploadsDir:     "uploads",
			MaxUploadBytes: 2 << 30,
		},
		MinIO: MinIOConfig{Bucket: "lookout"},
		Kafka: KafkaConfig{Topic: "detection-events"},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
		Worker: WorkerConfig{
			StopTimeout:      2 * time.Second,
			Cooldown:         10 * time.Second,
			BridgeBuffer:     256,
			FPS:              10,
			OpenTimeout:      10 * time.Second,
			FFmpegPath:       "ffmpeg",
			FFprobePath:      "ffprobe",
			DefaultModelType: "objectDetection",
		},
		Telegram: TelegramConfig{Cooldown: 30 * time.Second},
	}
}

// Load reads the .env file when present, then path (optional), then environment overrides
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// a bare DATABASE_URL with a postgres scheme implies the postgres driver
	if strings.HasPrefix(cfg.Database.DSN, "postgres://") || strings.HasPrefix(cfg.Database.DSN, "postgresql://") {
		cfg.Database.Driver = "postgres"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for sqlite"))
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}

	switch c.Inference.Provider {
	case "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("inference.provider must be http or grpc, got %q", c.Inference.Provider))
	}
	if c.Inference.Endpoint == "" {
		errs = append(errs, errors.New("inference.endpoint is required"))
	}
	if c.Inference.Confidence < 0 || c.Inference.Confidence > 1 {
		errs = append(errs, fmt.Errorf("inference.confidence must be within [0, 1], got %v", c.Inference.Confidence))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if c.MinIO.Enabled && (c.MinIO.Endpoint == "" || c.MinIO.Bucket == "") {
		errs = append(errs, errors.New("minio.endpoint and minio.bucket are required when minio is enabled"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		errs = append(errs, errors.New("telegram.bot_token and telegram.chat_id are required when telegram is enabled"))
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		errs = append(errs, errors.New("auth.password is required when auth is enabled"))
	}

	if c.Worker.StopTimeout <= 0 || c.Worker.Cooldown < 0 || c.Worker.OpenTimeout <= 0 {
		errs = append(errs, errors.New("worker timeouts must be positive"))
	}
	if c.Worker.BridgeBuffer <= 0 || c.Worker.FPS <= 0 {
		errs = append(errs, errors.New("worker.bridge_buffer and worker.fps must be positive"))
	}
	if c.Storage.UploadsDir == "" {
		errs = append(errs, errors.New("storage.uploads_dir is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// DatabaseDSN returns the connection string for the configured driver
func (c *Config) DatabaseDSN() string {
	// the sqlite default file name is not a postgres DSN
	if c.Database.Driver != "postgres" || (c.Database.DSN != "" && c.Database.DSN != Default().Database.DSN) {
		return c.Database.DSN
	}

	p := c.Database.Postgres
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.DB,
	}
	if p.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(p.SSLMode)
	}
	return u.String()
}
