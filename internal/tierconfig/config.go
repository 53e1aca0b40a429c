// Package tierconfig loads and validates the configuration document that
// drives the Identity Directory and Limit Policy: the tier table, the
// identity table, the key table, and the shared-store connection
// parameters.
package tierconfig

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/sentrygate/ratelimiter/internal/errors"
)

// Tier is the immutable {base, burst, degraded, window} tuple for one
// named tier.
type Tier struct {
	Name     string `mapstructure:"-" validate:"-"`
	Base     int    `mapstructure:"base" validate:"required,min=1"`
	Burst    int    `mapstructure:"burst" validate:"required,gtefield=Base"`
	Degraded int    `mapstructure:"degraded" validate:"required,min=1"`
	Window   int    `mapstructure:"window_seconds" validate:"required,min=1"`
}

// StoreConfig carries the shared-store connection parameters.
type StoreConfig struct {
	Host        string `mapstructure:"host" validate:"required"`
	Port        int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	DB          int    `mapstructure:"db" validate:"min=0"`
	Password    string `mapstructure:"password"`
	MaxConns    int    `mapstructure:"max_connections" validate:"required,min=1"`
	OpTimeoutMS int    `mapstructure:"op_timeout_ms" validate:"required,min=1"`
}

// PipelineConfig carries the pipeline adapter's own parameters.
type PipelineConfig struct {
	APIKeyHeader  string   `mapstructure:"api_key_header" validate:"required"`
	ExcludedPaths []string `mapstructure:"excluded_paths"`
	AdminToken    string   `mapstructure:"admin_token" validate:"required"`
}

// AbuseConfig carries the abuse sub-limiter's parameters.
type AbuseConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts" validate:"required,min=1"`
	BlockSeconds   int `mapstructure:"block_seconds" validate:"required,min=1"`
	CounterTTLSecs int `mapstructure:"counter_ttl_seconds" validate:"required,min=1"`
}

// HealthConfig carries the health oracle's cache TTL.
type HealthConfig struct {
	CacheTTLMS int `mapstructure:"cache_ttl_ms" validate:"required,min=1"`
}

// Document is the full configuration surface: tier table, identity
// table, key table, store connection params, pipeline params.
type Document struct {
	Tiers      map[string]Tier   `mapstructure:"tiers" validate:"required,dive"`
	Identities map[string]string `mapstructure:"identities" validate:"required"` // identity -> tier name
	Keys       map[string]string `mapstructure:"keys" validate:"required"`       // key -> identity
	Store      StoreConfig       `mapstructure:"store" validate:"required"`
	Pipeline   PipelineConfig    `mapstructure:"pipeline" validate:"required"`
	Abuse      AbuseConfig       `mapstructure:"abuse" validate:"required"`
	Health     HealthConfig      `mapstructure:"health" validate:"required"`
}

var validate = validator.New()

// Load reads the configuration document via viper: defaults set in code,
// overridden by a YAML file (name "config", searched in "." and
// "./config"), overridden by environment variables (store connection
// fields bound explicitly, everything else via AutomaticEnv).
func Load(configPaths ...string) (*Document, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	} else {
		for _, p := range configPaths {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix("ratelimiter")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("store.host", "RATELIMITER_STORE_HOST")
	_ = v.BindEnv("store.port", "RATELIMITER_STORE_PORT")
	_ = v.BindEnv("store.password", "RATELIMITER_STORE_PASSWORD")
	_ = v.BindEnv("store.db", "RATELIMITER_STORE_DB")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.New(errors.ConfigInvalid, "failed to read config file").
				WithSource(errors.SourceConfig).WithCause(err)
		}
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, errors.New(errors.ConfigInvalid, "failed to decode config document").
			WithSource(errors.SourceConfig).WithCause(err)
	}

	for name, t := range doc.Tiers {
		t.Name = name
		doc.Tiers[name] = t
	}

	if err := validate.Struct(&doc); err != nil {
		return nil, errors.New(errors.ConfigInvalid, "config document failed validation").
			WithSource(errors.SourceConfig).WithCause(err)
	}

	return &doc, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 6379)
	v.SetDefault("store.db", 0)
	v.SetDefault("store.max_connections", 50)
	v.SetDefault("store.op_timeout_ms", 5)

	v.SetDefault("pipeline.api_key_header", "X-API-Key")
	v.SetDefault("pipeline.excluded_paths", []string{"/healthz", "/metrics", "/admin/*"})
	v.SetDefault("pipeline.admin_token", "")

	v.SetDefault("abuse.max_attempts", 10)
	v.SetDefault("abuse.block_seconds", 900)
	v.SetDefault("abuse.counter_ttl_seconds", 300)

	v.SetDefault("health.cache_ttl_ms", 2000)
}

// TierNames returns the configured tier names, for diagnostics.
func (d *Document) TierNames() []string {
	names := make([]string, 0, len(d.Tiers))
	for name := range d.Tiers {
		names = append(names, name)
	}
	return names
}

// Addr formats the store's host:port address for go-redis.
func (s StoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
