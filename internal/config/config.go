package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Auth     AuthConfig
	Upload   UploadConfig
	Download DownloadConfig
	AI       AIConfig
	Export   ExportConfig
	PDF      PDFConfig
	Worker   WorkerConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port            string        `env:"PORT" envDefault:":8084"`
	PublicURL       string        `env:"PUBLIC_URL" envDefault:"http://localhost:8084"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

type DatabaseConfig struct {
	// Driver is mysql or postgres.
	Driver       string        `env:"DB_DRIVER" envDefault:"mysql"`
	DSN          string        `env:"DB_DSN" envDefault:"tabesh:tabesh@tcp(localhost:3306)/tabesh?parseTime=true&multiStatements=true"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"25"`
	MaxLifetime  time.Duration `env:"DB_MAX_LIFETIME" envDefault:"5m"`
	ConnRetries  int           `env:"DB_CONNECT_RETRIES" envDefault:"5"`
	AutoMigrate  bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type KafkaConfig struct {
	Enabled     bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers     []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	GroupID     string   `env:"KAFKA_GROUP_ID" envDefault:"tabesh-api"`
	OrdersTopic string   `env:"KAFKA_TOPIC_ORDERS" envDefault:"tabesh.orders"`
	FilesTopic  string   `env:"KAFKA_TOPIC_FILES" envDefault:"tabesh.files"`
}

type AuthConfig struct {
	// OIDCIssuer takes precedence over JWTSecret when set.
	OIDCIssuer string `env:"OIDC_ISSUER"`
	JWTSecret  string `env:"JWT_SECRET"`
}

type UploadConfig struct {
	Backend           string        `env:"STORAGE_BACKEND" envDefault:"local"`
	Dir               string        `env:"UPLOAD_DIR" envDefault:"./uploads"`
	SupabaseURL       string        `env:"SUPABASE_URL"`
	SupabaseKey       string        `env:"SUPABASE_SERVICE_KEY"`
	SupabaseBucket    string        `env:"SUPABASE_BUCKET" envDefault:"tabesh-files"`
	LockTTL           time.Duration `env:"UPLOAD_LOCK_TTL" envDefault:"30s"`
	RejectedRetention time.Duration `env:"UPLOAD_REJECTED_RETENTION" envDefault:"720h"`

	TextMaxFiles   int      `env:"UPLOAD_TEXT_MAX_FILES" envDefault:"10"`
	TextMaxMB      int64    `env:"UPLOAD_TEXT_MAX_MB" envDefault:"50"`
	TextExtensions []string `env:"UPLOAD_TEXT_EXTENSIONS" envSeparator:"," envDefault:"pdf,doc,docx"`

	CoverMaxFiles   int      `env:"UPLOAD_COVER_MAX_FILES" envDefault:"5"`
	CoverMaxMB      int64    `env:"UPLOAD_COVER_MAX_MB" envDefault:"30"`
	CoverExtensions []string `env:"UPLOAD_COVER_EXTENSIONS" envSeparator:"," envDefault:"pdf,jpg,jpeg,png,psd,ai,tif,tiff"`

	DocumentsMaxFiles   int      `env:"UPLOAD_DOCUMENTS_MAX_FILES" envDefault:"10"`
	DocumentsMaxMB      int64    `env:"UPLOAD_DOCUMENTS_MAX_MB" envDefault:"20"`
	DocumentsExtensions []string `env:"UPLOAD_DOCUMENTS_EXTENSIONS" envSeparator:"," envDefault:"pdf,jpg,jpeg,png,zip"`
}

type DownloadConfig struct {
	TokenTTL    time.Duration `env:"DOWNLOAD_TOKEN_TTL" envDefault:"24h"`
	MaxTokenTTL time.Duration `env:"DOWNLOAD_MAX_TOKEN_TTL" envDefault:"168h"`
}

type AIConfig struct {
	Enabled         bool          `env:"AI_ENABLED" envDefault:"false"`
	APIKey          string        `env:"AI_API_KEY"`
	BaseURL         string        `env:"AI_BASE_URL"`
	Model           string        `env:"AI_MODEL" envDefault:"gpt-4o-mini"`
	MaxTokens       int64         `env:"AI_MAX_TOKENS" envDefault:"600"`
	Temperature     float64       `env:"AI_TEMPERATURE" envDefault:"0.4"`
	Timeout         time.Duration `env:"AI_TIMEOUT" envDefault:"30s"`
	HistoryLimit    int           `env:"AI_HISTORY_LIMIT" envDefault:"10"`
	RateLimit       int           `env:"AI_RATE_LIMIT" envDefault:"20"`
	RateWindow      time.Duration `env:"AI_RATE_WINDOW" envDefault:"1h"`
	ProfileCacheTTL time.Duration `env:"AI_PROFILE_CACHE_TTL" envDefault:"10m"`
	ProfileEvery    int           `env:"AI_PROFILE_REFRESH_EVERY" envDefault:"5"`
}

type ExportConfig struct {
	MaxImportMB int64 `env:"IMPORT_MAX_MB" envDefault:"512"`
}

type PDFConfig struct {
	FontPath string `env:"PDF_FONT_PATH" envDefault:"./fonts/DejaVuSans.ttf"`
}

type WorkerConfig struct {
	CleanupInterval   time.Duration `env:"WORKER_CLEANUP_INTERVAL" envDefault:"1h"`
	BehaviorRetention time.Duration `env:"WORKER_BEHAVIOR_RETENTION" envDefault:"2160h"`
}

type LogConfig struct {
	Dir   string `env:"LOG_DIR" envDefault:"logs"`
	Name  string `env:"LOG_NAME" envDefault:"tabesh"`
	Level string `env:"LOG_LEVEL" envDefault:"INFO"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be mysql or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	switch c.Upload.Backend {
	case "local":
		if c.Upload.Dir == "" {
			return fmt.Errorf("UPLOAD_DIR is required for the local storage backend")
		}
	case "supabase":
		if c.Upload.SupabaseURL == "" || c.Upload.SupabaseKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the supabase storage backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be local or supabase, got %q", c.Upload.Backend)
	}
	if c.Upload.TextMaxFiles <= 0 || c.Upload.CoverMaxFiles <= 0 || c.Upload.DocumentsMaxFiles <= 0 {
		return fmt.Errorf("upload file quotas must be positive")
	}
	if c.Upload.TextMaxMB <= 0 || c.Upload.CoverMaxMB <= 0 || c.Upload.DocumentsMaxMB <= 0 {
		return fmt.Errorf("upload size limits must be positive")
	}
	if c.Download.TokenTTL <= 0 || c.Download.MaxTokenTTL < c.Download.TokenTTL {
		return fmt.Errorf("DOWNLOAD_TOKEN_TTL must be positive and not exceed DOWNLOAD_MAX_TOKEN_TTL")
	}
	if c.AI.Enabled && c.AI.APIKey == "" {
		return fmt.Errorf("AI_API_KEY is required when AI_ENABLED is true")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	if c.Auth.OIDCIssuer == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("either OIDC_ISSUER or JWT_SECRET must be set")
	}
	return nil
}
