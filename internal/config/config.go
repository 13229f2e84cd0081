// Package config loads pipeline configuration from an optional YAML file and
// the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	DataDir     string          `mapstructure:"data_dir"`
	Pipeline    PipelineConfig  `mapstructure:"pipeline"`
	Enrich      EnrichConfig    `mapstructure:"enrich"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Normalize   NormalizeConfig `mapstructure:"normalize"`
	Model       ModelConfig     `mapstructure:"model"`
}

type PipelineConfig struct {
	Workers     int           `mapstructure:"workers"`
	RunDeadline time.Duration `mapstructure:"run_deadline"`
	// SchemaPath optionally points at a YAML contract overriding the built-in
	// combined-dataset schema.
	SchemaPath string `mapstructure:"schema_path"`
}

type EnrichConfig struct {
	GeocoderBaseURL string        `mapstructure:"geocoder_base_url"`
	RouterBaseURL   string        `mapstructure:"router_base_url"`
	UserAgent       string        `mapstructure:"user_agent"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateBurst       int           `mapstructure:"rate_burst"`
	// Destination is the fixed travel-time target (workplace/city center) in
	// "lat,lon" form. Empty disables travel-time enrichment.
	Destination string `mapstructure:"destination"`
}

type CacheConfig struct {
	Driver     string        `mapstructure:"driver"` // sqlite or postgres
	Path       string        `mapstructure:"path"`   // sqlite file path
	DSN        string        `mapstructure:"dsn"`    // postgres DSN
	FlushEvery int           `mapstructure:"flush_every"`
	TTL        time.Duration `mapstructure:"ttl"` // 0 = entries never go stale
}

type NormalizeConfig struct {
	// Cross-source duplicate tolerances. Policy defaults, not a contract.
	PriceTolerancePct float64 `mapstructure:"price_tolerance_pct"`
	AreaToleranceM2   float64 `mapstructure:"area_tolerance_m2"`
}

type ModelConfig struct {
	Features []string `mapstructure:"features"`
	Target   string   `mapstructure:"target"`
}

// Load reads configuration: defaults, then the optional config file, then
// FLATHUNT_* environment variables. A missing config file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLATHUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "data")

	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.run_deadline", 15*time.Minute)

	v.SetDefault("enrich.geocoder_base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("enrich.router_base_url", "https://router.project-osrm.org")
	v.SetDefault("enrich.user_agent", "flathunt-pipeline/1.0")
	v.SetDefault("enrich.request_timeout", 10*time.Second)
	v.SetDefault("enrich.max_attempts", 3)
	v.SetDefault("enrich.backoff_initial", 200*time.Millisecond)
	v.SetDefault("enrich.backoff_max", 2*time.Second)
	// Nominatim's published quota is one request per second.
	v.SetDefault("enrich.rate_limit_rps", 1.0)
	v.SetDefault("enrich.rate_burst", 2)

	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.path", "data/enrichment_cache.db")
	v.SetDefault("cache.flush_every", 25)
	v.SetDefault("cache.ttl", time.Duration(0))

	v.SetDefault("normalize.price_tolerance_pct", 1.0)
	v.SetDefault("normalize.area_tolerance_m2", 1.0)

	v.SetDefault("model.features", []string{"area_m2", "rooms", "travel_time_minutes"})
	v.SetDefault("model.target", "price")
}
