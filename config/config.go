package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultSeenTTL is how long a stored source url is remembered by the seen cache.
const DefaultSeenTTL = 24 * time.Hour

type Config struct {
	Env               string           `mapstructure:"env"`
	LogLevel          string           `mapstructure:"log_level" validate:"oneof=debug info error"`
	LogType           string           `mapstructure:"log_type" validate:"oneof=text json"`
	ServiceName       string           `mapstructure:"service_name"`
	Version           string           `mapstructure:"version"`
	WorkerSettings    *WorkerConfig    `mapstructure:"worker" validate:"required"`
	ProxySettings     *ProxyConfig     `mapstructure:"proxy" validate:"required"`
	DiscoverySettings *DiscoveryConfig `mapstructure:"discovery" validate:"required"`
	BrowserSettings   *BrowserConfig   `mapstructure:"browser" validate:"required"`
	DbSettings        *DatabaseConfig  `mapstructure:"database" validate:"required"`
	CacheSettings     *CacheConfig     `mapstructure:"cache"`
	KafkaSettings     *KafkaConfig     `mapstructure:"kafka"`
	S3Settings        *S3Config        `mapstructure:"s3"`
	MetricsSettings   *MetricsConfig   `mapstructure:"metrics"`
}

// WorkerConfig controls how the item list is split and how every execution unit
// reacts to failures.
type WorkerConfig struct {
	Workers           int           `mapstructure:"workers" validate:"min=1,max=20"`
	UseProxies        bool          `mapstructure:"use_proxies"`
	MaxErrors         int           `mapstructure:"max_errors" validate:"min=1"`
	Delay             time.Duration `mapstructure:"delay" validate:"min=0"`
	NoProxyRetryDelay time.Duration `mapstructure:"no_proxy_retry_delay" validate:"min=0"`
	ProxyWaitInterval time.Duration `mapstructure:"proxy_wait_interval" validate:"min=0"`
	// ProxyWaitRetries is the number of tries to get a cold proxy or a direct session before a unit stops.
	ProxyWaitRetries int `mapstructure:"proxy_wait_retries" validate:"min=0"`
	// MaxSwapsPerItem bounds how many proxy swaps a single item may cause. Zero means unbounded.
	MaxSwapsPerItem int  `mapstructure:"max_swaps_per_item" validate:"min=0"`
	SkipKnown       bool `mapstructure:"skip_known"`
}

type ProxyConfig struct {
	File     string        `mapstructure:"file"`
	Cooldown time.Duration `mapstructure:"cooldown" validate:"min=0"`
}

type DiscoveryConfig struct {
	Pages           int           `mapstructure:"pages" validate:"min=1"`
	PageDelay       time.Duration `mapstructure:"page_delay" validate:"min=0"`
	PageParam       string        `mapstructure:"page_param" validate:"required"`
	CheckpointDir   string        `mapstructure:"checkpoint_dir" validate:"required"`
	ResultSelector  string        `mapstructure:"result_selector" validate:"required"`
	ItemMarker      string        `mapstructure:"item_marker"`
	ScrapeMechanism int           `mapstructure:"scrape_mechanism" validate:"oneof=0 1"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"min=0"`
}

type BrowserConfig struct {
	Headless           bool              `mapstructure:"headless"`
	ExecPath           string            `mapstructure:"exec_path"`
	UserAgent          string            `mapstructure:"user_agent"`
	PageLoadTimeout    time.Duration     `mapstructure:"page_load_timeout" validate:"gt=0"`
	ElementWaitTimeout time.Duration     `mapstructure:"element_wait_timeout" validate:"min=0"`
	ReadySelector      string            `mapstructure:"ready_selector"`
	Selectors          map[string]string `mapstructure:"selectors"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            string        `mapstructure:"port" validate:"required"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name" validate:"required"`
	Table           string        `mapstructure:"table" validate:"required"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type CacheConfig struct {
	Servers    string        `mapstructure:"servers"`
	TtlForSeen time.Duration `mapstructure:"ttl_for_seen"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
}

type ProducerConfig struct {
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type S3Config struct {
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads config.yaml from the working directory (optional) and applies SCRAPER_*
// environment overrides on top of the defaults. Bound command line flags win over both.
func Load(v *viper.Viper) (*Config, error) {
	v.AddConfigPath(path.Join("."))
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Warn("config file not found. using defaults and environment variables.")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "debug")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "directory-scrape-worker")
	v.SetDefault("version", "1.0.0")

	v.SetDefault("worker.workers", 1)
	v.SetDefault("worker.use_proxies", false)
	v.SetDefault("worker.max_errors", 3)
	v.SetDefault("worker.delay", 300*time.Millisecond)
	v.SetDefault("worker.no_proxy_retry_delay", 2*time.Second)
	v.SetDefault("worker.proxy_wait_interval", 30*time.Second)
	v.SetDefault("worker.proxy_wait_retries", 10)
	v.SetDefault("worker.max_swaps_per_item", 5)
	v.SetDefault("worker.skip_known", false)

	v.SetDefault("proxy.file", path.Join("proxies", "proxylist.txt"))
	v.SetDefault("proxy.cooldown", 300*time.Second)

	v.SetDefault("discovery.pages", 150)
	v.SetDefault("discovery.page_delay", 500*time.Millisecond)
	v.SetDefault("discovery.page_param", "page")
	v.SetDefault("discovery.checkpoint_dir", "data")
	v.SetDefault("discovery.result_selector", "div.lR")
	v.SetDefault("discovery.item_marker", "/d/")
	v.SetDefault("discovery.scrape_mechanism", 0)
	v.SetDefault("discovery.request_timeout", 30*time.Second)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	v.SetDefault("browser.page_load_timeout", 30*time.Second)
	v.SetDefault("browser.element_wait_timeout", 10*time.Second)
	v.SetDefault("browser.ready_selector", "h1")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.name", "directory")
	v.SetDefault("database.table", "businesses")
	v.SetDefault("database.conn_max_lifetime", 3*time.Minute)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 20)

	v.SetDefault("cache.ttl_for_seen", DefaultSeenTTL)

	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 50)
	v.SetDefault("kafka.producer.batch_timeout", 2*time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)
}

// Validate checks struct tags and the cross-field rules the tags can't express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.WorkerSettings.UseProxies && c.ProxySettings.Cooldown < time.Minute {
		return fmt.Errorf("proxy.cooldown must be at least 1m when proxies are used")
	}
	if c.WorkerSettings.UseProxies && c.ProxySettings.File == "" {
		return fmt.Errorf("proxy.file is required when proxies are used")
	}
	return nil
}
