package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env                 string             `mapstructure:"env"`
	LogLevel            string             `mapstructure:"log_level"`
	LogType             string             `mapstructure:"log_type"`
	ServiceName         string             `mapstructure:"service_name"`
	Port                string             `mapstructure:"port"`
	Version             string             `mapstructure:"version"`
	StorageSettings     *StorageConfig     `mapstructure:"storage"`
	MongoSettings       *MongoConfig       `mapstructure:"mongo"`
	DbSettings          *DatabaseConfig    `mapstructure:"database"`
	CacheSettings       *CacheConfig       `mapstructure:"cache"`
	AccountSettings     *AccountPoolConfig `mapstructure:"account_pool"`
	ProxySettings       *ProxyPoolConfig   `mapstructure:"proxy_pool"`
	CheckpointSettings  *CheckpointConfig  `mapstructure:"checkpoint"`
	ExecutorSettings    *ExecutorConfig    `mapstructure:"executor"`
	SignatureSettings   *SignatureConfig   `mapstructure:"signature"`
	PlatformSettings    *PlatformConfig    `mapstructure:"platform"`
	DownloadSettings    *DownloadConfig    `mapstructure:"download"`
	MaintenanceSettings *MaintenanceConfig `mapstructure:"maintenance"`
	KafkaSettings       *KafkaConfig       `mapstructure:"kafka"`
	S3Settings          *S3Config          `mapstructure:"s3"`
	TelemetrySettings   *TelemetryConfig   `mapstructure:"telemetry"`
	HttpClientSettings  *HttpClientConfig  `mapstructure:"http_client"`
}

// StorageConfig selects the repository drivers: "mongo" or "memory" for state,
// "mongo", "postgres" or "memory" for crawled content.
type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	SinkDriver string `mapstructure:"sink_driver"`
}

type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	OpTimeout      time.Duration `mapstructure:"op_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

// CacheConfig holds the rotation counter backend ("memory", "memcached" or "redis")
// and the xsec token cache TTL.
type CacheConfig struct {
	RotationBackend string        `mapstructure:"rotation_backend"`
	Servers         []string      `mapstructure:"servers"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	TokenTtl        time.Duration `mapstructure:"token_ttl"`
}

type AccountPoolConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	RotationStrategy string `mapstructure:"rotation_strategy"`
}

type ProxyPoolConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	TopK                   int           `mapstructure:"top_k"`
	RetireMinSamples       int           `mapstructure:"retire_min_samples"`
	RetireBelowRate        float64       `mapstructure:"retire_below_rate"`
	ProbeUrl               string        `mapstructure:"probe_url"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout"`
	CheckStaleness         time.Duration `mapstructure:"check_staleness"`
	HealthCheckConcurrency int           `mapstructure:"health_check_concurrency"`
}

type CheckpointConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	SaveInterval int  `mapstructure:"save_interval"`
	ListLimit    int  `mapstructure:"list_limit"`
}

type ExecutorConfig struct {
	PageSize          int           `mapstructure:"page_size"`
	Sort              string        `mapstructure:"sort"`
	PageDelay         time.Duration `mapstructure:"page_delay"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	CommentDelay      time.Duration `mapstructure:"comment_delay"`
	MaxPageRetries    int           `mapstructure:"max_page_retries"`
	MaxSignFailures   int           `mapstructure:"max_sign_failures"`
	DefaultMaxCount   int           `mapstructure:"default_max_count"`
	CommentsInBrowser bool          `mapstructure:"comments_in_browser"`
	ResumeOnStartup   bool          `mapstructure:"resume_on_startup"`
}

type SignatureConfig struct {
	Mode            string        `mapstructure:"mode"`
	AppID           string        `mapstructure:"app_id"`
	BrowserDebugUrl string        `mapstructure:"browser_debug_url"`
	BrowserOrigin   string        `mapstructure:"browser_origin"`
	CookieDomain    string        `mapstructure:"cookie_domain"`
	Headless        bool          `mapstructure:"headless"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type PlatformConfig struct {
	BaseUrl           string  `mapstructure:"base_url"`
	CommentBaseUrl    string  `mapstructure:"comment_base_url"`
	WebUrl            string  `mapstructure:"web_url"`
	UserAgent         string  `mapstructure:"user_agent"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type DownloadConfig struct {
	MaxSizeBytes int64         `mapstructure:"max_size_bytes"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type MaintenanceConfig struct {
	ProxyCheckInterval      time.Duration `mapstructure:"proxy_check_interval"`
	CredentialCheckInterval time.Duration `mapstructure:"credential_check_interval"`
}

type KafkaConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Producer *ProducerConfig `mapstructure:"producer"`
	Consumer *ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	Addr           []string      `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type ConsumerConfig struct {
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          []string      `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	CommitInterval   time.Duration `mapstructure:"commit_interval"`
}

type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CollectorUrl string `mapstructure:"collector_url"`
}

type HttpClientConfig struct {
	RequestTimeout            time.Duration `mapstructure:"request_timeout"`
	MaxIdleConnections        int           `mapstructure:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `mapstructure:"max_idle_connections_per_host"`
	MaxConnectionsPerHost     int           `mapstructure:"max_connections_per_host"`
	IdleConnectionTimeout     time.Duration `mapstructure:"idle_connection_timeout"`
	TlsHandshakeTimeout       time.Duration `mapstructure:"tls_handshake_timeout"`
	DialTimeout               time.Duration `mapstructure:"dial_timeout"`
	DialKeepAlive             time.Duration `mapstructure:"dial_keep_alive"`
	TlsInsecureSkipVerify     bool          `mapstructure:"tls_insecure_skip_verify"`
}

func MustLoad() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file.", slog.String("err", err.Error()))
	}
	cfg, err := Load(path.Join("."))
	if err != nil {
		slog.Error("can't initialize config file.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Load reads config.yaml from dir on top of the defaults. Environment variables
// override file values, e.g. EXECUTOR_PAGE_DELAY=3s.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Warn("config file not found. Using defaults.", slog.String("dir", dir))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.CheckpointSettings.SaveInterval <= 0 {
		return nil, fmt.Errorf("checkpoint.save_interval must be positive, got %d",
			cfg.CheckpointSettings.SaveInterval)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "note-crawler")
	v.SetDefault("port", "8080")
	v.SetDefault("version", "dev")

	v.SetDefault("storage.driver", "mongo")
	v.SetDefault("storage.sink_driver", "mongo")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "note_crawler")
	v.SetDefault("mongo.connect_timeout", 10*time.Second)
	v.SetDefault("mongo.op_timeout", 5*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "note_crawler")
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("cache.rotation_backend", "memory")
	v.SetDefault("cache.servers", []string{"localhost:11211"})
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.key_prefix", "note-crawler")
	v.SetDefault("cache.token_ttl", 24*time.Hour)

	v.SetDefault("account_pool.enabled", true)
	v.SetDefault("account_pool.rotation_strategy", "round_robin")

	v.SetDefault("proxy_pool.enabled", false)
	v.SetDefault("proxy_pool.top_k", 5)
	v.SetDefault("proxy_pool.retire_min_samples", 10)
	v.SetDefault("proxy_pool.retire_below_rate", 30.0)
	v.SetDefault("proxy_pool.probe_url", "https://httpbin.org/ip")
	v.SetDefault("proxy_pool.probe_timeout", 10*time.Second)
	v.SetDefault("proxy_pool.check_staleness", time.Hour)
	v.SetDefault("proxy_pool.health_check_concurrency", 8)

	v.SetDefault("checkpoint.enabled", true)
	v.SetDefault("checkpoint.save_interval", 10)
	v.SetDefault("checkpoint.list_limit", 100)

	v.SetDefault("executor.page_size", 20)
	v.SetDefault("executor.sort", "general")
	v.SetDefault("executor.page_delay", 2*time.Second)
	v.SetDefault("executor.retry_delay", 5*time.Second)
	v.SetDefault("executor.comment_delay", 2*time.Second)
	v.SetDefault("executor.max_page_retries", 0)
	v.SetDefault("executor.max_sign_failures", 3)
	v.SetDefault("executor.default_max_count", 100)
	v.SetDefault("executor.comments_in_browser", false)
	v.SetDefault("executor.resume_on_startup", true)

	v.SetDefault("signature.mode", "auto")
	v.SetDefault("signature.app_id", "xhs-pc-web")
	v.SetDefault("signature.browser_origin", "https://www.xiaohongshu.com/explore")
	v.SetDefault("signature.cookie_domain", ".xiaohongshu.com")
	v.SetDefault("signature.headless", true)
	v.SetDefault("signature.timeout", 30*time.Second)

	v.SetDefault("platform.base_url", "https://edith.xiaohongshu.com")
	v.SetDefault("platform.comment_base_url", "https://t2.xiaohongshu.com")
	v.SetDefault("platform.web_url", "https://www.xiaohongshu.com")
	v.SetDefault("platform.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("platform.requests_per_second", 2.0)
	v.SetDefault("platform.burst", 1)

	v.SetDefault("download.max_size_bytes", 100*1024*1024)
	v.SetDefault("download.timeout", 60*time.Second)

	v.SetDefault("maintenance.proxy_check_interval", time.Hour)
	v.SetDefault("maintenance.credential_check_interval", 6*time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.producer.write_topic_name", "crawled-content")
	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 100)
	v.SetDefault("kafka.producer.batch_timeout", time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)
	v.SetDefault("kafka.consumer.read_topic_name", "crawl-task-requests")
	v.SetDefault("kafka.consumer.group_id", "note-crawler")
	v.SetDefault("kafka.consumer.max_wait", time.Second)
	v.SetDefault("kafka.consumer.read_batch_timeout", 10*time.Second)
	v.SetDefault("kafka.consumer.queue_capacity", 100)
	v.SetDefault("kafka.consumer.max_bytes", 10_000_000)
	v.SetDefault("kafka.consumer.commit_interval", time.Second)

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.key_prefix", "media")

	v.SetDefault("telemetry.enabled", false)

	v.SetDefault("http_client.request_timeout", 30*time.Second)
	v.SetDefault("http_client.max_idle_connections", 100)
	v.SetDefault("http_client.max_idle_connections_per_host", 10)
	v.SetDefault("http_client.max_connections_per_host", 20)
	v.SetDefault("http_client.idle_connection_timeout", 90*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_keep_alive", 30*time.Second)
}
