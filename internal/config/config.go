package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Backend    BackendConfig    `yaml:"backend" mapstructure:"backend"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Warming    WarmingConfig    `yaml:"warming" mapstructure:"warming"`
	Vis        VisConfig        `yaml:"vis" mapstructure:"vis"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP tile server.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	RequestDeadline time.Duration `yaml:"request_deadline" mapstructure:"request_deadline"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CacheConfig configures the three cache tiers.
type CacheConfig struct {
	L1Max      int           `yaml:"l1_max" mapstructure:"l1_max"`
	L1MaxAge   time.Duration `yaml:"l1_max_age" mapstructure:"l1_max_age"`
	PNGTTL     time.Duration `yaml:"png_ttl" mapstructure:"png_ttl"`
	MetaTTL    time.Duration `yaml:"meta_ttl" mapstructure:"meta_ttl"`
	LockTTL    time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	L2Timeout  time.Duration `yaml:"l2_timeout" mapstructure:"l2_timeout"`
	L3Timeout  time.Duration `yaml:"l3_timeout" mapstructure:"l3_timeout"`
	StatSample int           `yaml:"stat_sample" mapstructure:"stat_sample"`
}

// RedisConfig configures the L2 metadata store.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// StorageConfig configures the L3 object store.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Region    string `yaml:"region" mapstructure:"region"`
}

// BackendConfig configures the imagery backend client.
type BackendConfig struct {
	BaseURL          string        `yaml:"base_url" mapstructure:"base_url"`
	Token            string        `yaml:"token" mapstructure:"token"`
	LeaseTimeout     time.Duration `yaml:"lease_timeout" mapstructure:"lease_timeout"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	LeaseLifespan    time.Duration `yaml:"lease_lifespan" mapstructure:"lease_lifespan"`
	MaxWorkers       int           `yaml:"max_workers" mapstructure:"max_workers"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerRecovery  time.Duration `yaml:"breaker_recovery" mapstructure:"breaker_recovery"`
	MinZoom          int           `yaml:"min_zoom" mapstructure:"min_zoom"`
	MaxZoom          int           `yaml:"max_zoom" mapstructure:"max_zoom"`
	CatalogMinZoom   int           `yaml:"catalog_min_zoom" mapstructure:"catalog_min_zoom"`
	MaxDateRangeDays int           `yaml:"max_date_range_days" mapstructure:"max_date_range_days"`
}

// CatalogConfig configures the points/campaigns/jobs database.
type CatalogConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// WorkerConfig configures the background task runtime.
type WorkerConfig struct {
	Concurrency int            `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimits  map[string]int `yaml:"rate_limits" mapstructure:"rate_limits"` // task name -> per-minute
}

// WarmingConfig configures proactive tile production.
type WarmingConfig struct {
	ZoomLevels     []int         `yaml:"zoom_levels" mapstructure:"zoom_levels"`
	PriorityZooms  []int         `yaml:"priority_zooms" mapstructure:"priority_zooms"`
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	MosaicMaxGrid  int           `yaml:"mosaic_max_grid" mapstructure:"mosaic_max_grid"`
	MinLimit       int           `yaml:"min_limit" mapstructure:"min_limit"`
	MaxLimit       int           `yaml:"max_limit" mapstructure:"max_limit"`
	AdjustInterval time.Duration `yaml:"adjust_interval" mapstructure:"adjust_interval"`
	PopularRegions []Region      `yaml:"popular_regions" mapstructure:"popular_regions"`
}

// Region is a named bounding box used by the warm-popular-regions task.
type Region struct {
	Name  string  `yaml:"name" mapstructure:"name"`
	West  float64 `yaml:"west" mapstructure:"west"`
	South float64 `yaml:"south" mapstructure:"south"`
	East  float64 `yaml:"east" mapstructure:"east"`
	North float64 `yaml:"north" mapstructure:"north"`
	Zoom  int     `yaml:"zoom" mapstructure:"zoom"`
}

// MonitoringConfig configures health alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	TileErrorThreshold   int     `yaml:"tile_error_threshold" mapstructure:"tile_error_threshold"`
	HitRateFloor         float64 `yaml:"hit_rate_floor" mapstructure:"hit_rate_floor"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// VisConfig configures the visualization-parameter registry.
type VisConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TILESERV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_deadline", 45*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("cache.l1_max", 1000)
	v.SetDefault("cache.l1_max_age", time.Hour)
	v.SetDefault("cache.png_ttl", 30*24*time.Hour)
	v.SetDefault("cache.meta_ttl", 7*24*time.Hour)
	v.SetDefault("cache.lock_ttl", 60*time.Second)
	v.SetDefault("cache.l2_timeout", time.Second)
	v.SetDefault("cache.l3_timeout", 10*time.Second)
	v.SetDefault("cache.stat_sample", 1000)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("storage.bucket", "tiles")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("backend.lease_timeout", 30*time.Second)
	v.SetDefault("backend.fetch_timeout", 30*time.Second)
	v.SetDefault("backend.lease_lifespan", 24*time.Hour)
	v.SetDefault("backend.max_workers", 20)
	v.SetDefault("backend.breaker_threshold", 5)
	v.SetDefault("backend.breaker_recovery", 30*time.Second)
	v.SetDefault("backend.min_zoom", 6)
	v.SetDefault("backend.max_zoom", 18)
	v.SetDefault("backend.catalog_min_zoom", 3)
	v.SetDefault("backend.max_date_range_days", 540)
	v.SetDefault("catalog.driver", "postgres")
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.rate_limits", map[string]int{
		"cache-point":       500,
		"cache-point-batch": 600,
		"cache-campaign":    600,
	})
	v.SetDefault("warming.zoom_levels", []int{12, 13, 14})
	v.SetDefault("warming.priority_zooms", []int{13, 14})
	v.SetDefault("warming.batch_size", 5)
	v.SetDefault("warming.mosaic_max_grid", 4)
	v.SetDefault("warming.min_limit", 2)
	v.SetDefault("warming.max_limit", 20)
	v.SetDefault("warming.adjust_interval", 30*time.Second)
	v.SetDefault("vis.file", "")
	v.SetDefault("monitoring.tile_error_threshold", 50)
	v.SetDefault("monitoring.hit_rate_floor", 0.5)
	v.SetDefault("monitoring.lookback_window_hours", 24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Backend.MinZoom > cfg.Backend.MaxZoom {
		return nil, eris.New("config: backend.min_zoom exceeds backend.max_zoom")
	}

	return &cfg, nil
}

// Validate checks the settings a given run mode actually needs. Modes:
// "serve", "worker", "warm", "cleanup".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve", "worker", "warm", "cleanup":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Redis.URL == "" {
		problems = append(problems, "redis.url is required")
	}
	if c.Storage.Endpoint == "" {
		problems = append(problems, "storage.endpoint is required")
	}
	if c.Storage.Bucket == "" {
		problems = append(problems, "storage.bucket is required")
	}
	if c.Backend.BaseURL == "" {
		problems = append(problems, "backend.base_url is required")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "worker", "warm":
		if c.Catalog.DatabaseURL == "" {
			problems = append(problems, "catalog.database_url is required")
		}
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 128 {
			problems = append(problems, "worker.concurrency must be between 1 and 128")
		}
	}

	if c.Cache.L1Max < 1 {
		problems = append(problems, "cache.l1_max must be >= 1")
	}
	if c.Backend.MaxWorkers < 1 {
		problems = append(problems, "backend.max_workers must be >= 1")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
