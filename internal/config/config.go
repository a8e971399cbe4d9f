package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Search    SearchConfig    `mapstructure:"search"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // s3, minio
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type VaultConfig struct {
	Adapter        string        `mapstructure:"adapter"` // local
	RootPath       string        `mapstructure:"root_path"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

type SyncConfig struct {
	TextWorkers     int           `mapstructure:"text_workers"`
	VisualWorkers   int           `mapstructure:"visual_workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	BatchSize       int           `mapstructure:"batch_size"`
	IndexWorkers    int           `mapstructure:"index_workers"`
	RetryCount      int           `mapstructure:"retry_count"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	CancelGrace     time.Duration `mapstructure:"cancel_grace"`
	MaxFailureRatio float64       `mapstructure:"max_failure_ratio"`
	MaxTextRunes    int           `mapstructure:"max_text_runes"`
}

type SearchConfig struct {
	FusionWeight float64 `mapstructure:"fusion_weight"` // lexical share, 0..1
	ScoreFloor   float32 `mapstructure:"score_floor"`
	DefaultLimit int     `mapstructure:"default_limit"`
	MaxLimit     int     `mapstructure:"max_limit"`
}

type CacheConfig struct {
	QueryTTL           time.Duration `mapstructure:"query_ttl"`
	MetadataFastTTL    time.Duration `mapstructure:"metadata_fast_ttl"`
	MetadataDurableTTL time.Duration `mapstructure:"metadata_durable_ttl"`
	BadgerPath         string        `mapstructure:"badger_path"`
	InMemory           bool          `mapstructure:"in_memory"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/vaultsearch.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "vault_files")
	v.SetDefault("storage.type", "s3")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "vault-artifacts")
	v.SetDefault("vault.adapter", "local")
	v.SetDefault("vault.root_path", "./data/vault")
	v.SetDefault("vault.session_timeout", 30*time.Second)
	v.SetDefault("sync.text_workers", 4)
	v.SetDefault("sync.visual_workers", 2)
	v.SetDefault("sync.queue_size", 64)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.index_workers", 4)
	v.SetDefault("sync.retry_count", 3)
	v.SetDefault("sync.retry_base_delay", 200*time.Millisecond)
	v.SetDefault("sync.cancel_grace", 10*time.Second)
	v.SetDefault("sync.max_failure_ratio", 0.5)
	v.SetDefault("sync.max_text_runes", 20000)
	v.SetDefault("search.fusion_weight", 0.5)
	v.SetDefault("search.score_floor", 0.25)
	v.SetDefault("search.default_limit", 20)
	v.SetDefault("search.max_limit", 100)
	v.SetDefault("cache.query_ttl", 5*time.Minute)
	v.SetDefault("cache.metadata_fast_ttl", 15*time.Minute)
	v.SetDefault("cache.metadata_durable_ttl", 12*time.Hour)
	v.SetDefault("cache.badger_path", "./data/cache")
	v.SetDefault("cache.in_memory", false)
	v.SetDefault("notify.retries", 3)
	v.SetDefault("notify.retry_delay", 5*time.Second)
	v.SetDefault("embedding.provider", "jina")
	v.SetDefault("embedding.model", "jina-clip-v2")
	v.SetDefault("embedding.base_url", "https://api.jina.ai/v1")
	v.SetDefault("embedding.dimensions", 1024)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("notify.webhook_url", "NOTIFY_WEBHOOK_URL")
	v.BindEnv("embedding.api_key", "EMBEDDING_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
