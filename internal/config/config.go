package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	Migrate         bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig describes the two object areas. Driver is "minio", "s3"
// (R2 and other S3-compatible stores) or "memory", which keeps everything
// in-process and is only meant for local development.
type StorageConfig struct {
	Driver        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	BucketTemp    string
	BucketPublic  string
	PublicBaseURL string
	UseSSL        bool
	Region        string
}

type SecurityConfig struct {
	JWTAccessSecret string
}

type QueueConfig struct {
	Stream          string
	Group           string
	Consumer        string
	DeadLetter      string
	BatchSize       int
	Block           time.Duration
	ClaimInterval   time.Duration
	RedeliveryDelay time.Duration
	MaxAttempts     int
	MaxLen          int64
}

type IntakeConfig struct {
	RequestTimeout     time.Duration
	MaxUploadBytes     int64
	RateLimitPerMinute int
	RateLimitBurst     int
	EnqueueRetries     uint64
}

type ConvertConfig struct {
	OriginalMaxEdge  int
	OriginalQuality  int
	ThumbnailMaxEdge int
	ThumbnailQuality int
	MaxAspectRatio   float64
}

type ModerationConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

type WorkerConfig struct {
	CallTimeout time.Duration
}

type SweepConfig struct {
	Enabled        bool
	StaleSchedule  string
	OrphanSchedule string
	StaleAfter     time.Duration
	OrphanAfter    time.Duration
	BatchSize      int
}

type CacheConfig struct {
	ListingTTL time.Duration
	StatusTTL  time.Duration
	StatusSize int
}

type MetricsConfig struct {
	Addr string
}

type LoggingConfig struct {
	Level string
}

type SentryConfig struct {
	DSN string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Queue            QueueConfig
	Intake           IntakeConfig
	Convert          ConvertConfig
	Moderation       ModerationConfig
	Worker           WorkerConfig
	Sweep            SweepConfig
	Cache            CacheConfig
	Metrics          MetricsConfig
	Logging          LoggingConfig
	Sentry           SentryConfig
	AllowCORSOrigins []string
}

// Load reads the api configuration (config.yaml, KATASU_*).
func Load() (*AppConfig, error) {
	return load("config", "KATASU")
}

// LoadWorker reads the worker configuration (worker.yaml, KATASU_WORKER_*).
func LoadWorker() (*AppConfig, error) {
	return load("worker", "KATASU_WORKER")
}

func load(name, envPrefix string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.maxattempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Convert.MaxAspectRatio < 1 {
		return fmt.Errorf("convert.maxaspectratio must be at least 1, got %v", c.Convert.MaxAspectRatio)
	}
	if c.Convert.ThumbnailMaxEdge <= 0 || c.Convert.OriginalMaxEdge <= 0 {
		return fmt.Errorf("convert max edges must be positive")
	}
	switch c.Storage.Driver {
	case "minio", "s3", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "30s")
	v.SetDefault("http.writetimeout", "60s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.driver", "minio")
	v.SetDefault("storage.endpoint", "127.0.0.1:9000")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.buckettemp", "katasu-temp")
	v.SetDefault("storage.bucketpublic", "katasu-public")
	v.SetDefault("storage.publicbaseurl", "")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("security.jwtaccesssecret", "")

	v.SetDefault("queue.stream", "images:moderation")
	v.SetDefault("queue.group", "moderation-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.deadletter", "images:moderation:dead")
	v.SetDefault("queue.batchsize", 10)
	v.SetDefault("queue.block", "5s")
	v.SetDefault("queue.claiminterval", "10s")
	v.SetDefault("queue.redeliverydelay", "30s")
	v.SetDefault("queue.maxattempts", 3)
	v.SetDefault("queue.maxlen", 100000)

	v.SetDefault("intake.requesttimeout", "30s")
	v.SetDefault("intake.maxuploadbytes", 20<<20)
	v.SetDefault("intake.ratelimitperminute", 10)
	v.SetDefault("intake.ratelimitburst", 5)
	v.SetDefault("intake.enqueueretries", 3)

	v.SetDefault("convert.originalmaxedge", 2048)
	v.SetDefault("convert.originalquality", 80)
	v.SetDefault("convert.thumbnailmaxedge", 500)
	v.SetDefault("convert.thumbnailquality", 50)
	v.SetDefault("convert.maxaspectratio", 4.0)

	v.SetDefault("moderation.endpoint", "https://api.openai.com/v1/moderations")
	v.SetDefault("moderation.apikey", "")
	v.SetDefault("moderation.model", "omni-moderation-latest")
	v.SetDefault("moderation.timeout", "20s")

	v.SetDefault("worker.calltimeout", "30s")

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.staleschedule", "0 */5 * * * *")
	v.SetDefault("sweep.orphanschedule", "0 17 * * * *")
	v.SetDefault("sweep.staleafter", "15m")
	v.SetDefault("sweep.orphanafter", "6h")
	v.SetDefault("sweep.batchsize", 100)

	v.SetDefault("cache.listingttl", "5m")
	v.SetDefault("cache.statusttl", "30s")
	v.SetDefault("cache.statussize", 4096)

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("logging.level", "info")

	v.SetDefault("sentry.dsn", "")

	v.SetDefault("allowcorsorigins", []string{})
}
