package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	serrors "go.pilab.hu/fedauth/errors"
)

// MinSigningKeyBytes is the shortest accepted jwt.signing_key.
const MinSigningKeyBytes = 32

// Refresh token store backends.
const (
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds all configuration for the service. It is resolved once at
// startup and validated before anything is wired.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Otel      OtelConfig      `mapstructure:"otel"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MongoConfig struct {
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type OtelConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type JWTConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   string        `mapstructure:"audience"`
	Lifetime   time.Duration `mapstructure:"lifetime"`
	ClockSkew  time.Duration `mapstructure:"clock_skew"`
}

type RefreshConfig struct {
	Lifetime      time.Duration `mapstructure:"lifetime"`
	Store         string        `mapstructure:"store"`
	RevokeOnReuse bool          `mapstructure:"revoke_on_reuse"`
}

type ProvidersConfig struct {
	Google      GoogleConfig    `mapstructure:"google"`
	Microsoft   MicrosoftConfig `mapstructure:"microsoft"`
	Facebook    FacebookConfig  `mapstructure:"facebook"`
	JWKSTTL     time.Duration   `mapstructure:"jwks_ttl"`
	HTTPTimeout time.Duration   `mapstructure:"http_timeout"`
	ClockSkew   time.Duration   `mapstructure:"clock_skew"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	DiscoveryURL string `mapstructure:"discovery_url"`
}

type MicrosoftConfig struct {
	ClientID       string   `mapstructure:"client_id"`
	AllowedTenants []string `mapstructure:"allowed_tenants"`
	DiscoveryURL   string   `mapstructure:"discovery_url"`
}

type FacebookConfig struct {
	AppID        string `mapstructure:"app_id"`
	DiscoveryURL string `mapstructure:"discovery_url"`
}

type AuthConfig struct {
	LinkByEmail    bool   `mapstructure:"link_by_email"`
	RequireIDToken bool   `mapstructure:"require_id_token"`
	CredentialsKey string `mapstructure:"credentials_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "fedauth")
	v.SetDefault("mongo.timeout", 10*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "fedauth")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "fedauth")
	v.SetDefault("jwt.signing_key", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.audience", "")
	v.SetDefault("jwt.lifetime", 60*time.Minute)
	v.SetDefault("jwt.clock_skew", 2*time.Minute)
	v.SetDefault("refresh.lifetime", 30*24*time.Hour)
	v.SetDefault("refresh.store", StoreMongo)
	v.SetDefault("refresh.revoke_on_reuse", true)
	v.SetDefault("providers.google.client_id", "")
	v.SetDefault("providers.google.discovery_url", "")
	v.SetDefault("providers.microsoft.client_id", "")
	v.SetDefault("providers.microsoft.allowed_tenants", []string{})
	v.SetDefault("providers.microsoft.discovery_url", "")
	v.SetDefault("providers.facebook.app_id", "")
	v.SetDefault("providers.facebook.discovery_url", "")
	v.SetDefault("providers.jwks_ttl", time.Hour)
	v.SetDefault("providers.http_timeout", 10*time.Second)
	v.SetDefault("providers.clock_skew", 5*time.Minute)
	v.SetDefault("auth.link_by_email", true)
	v.SetDefault("auth.require_id_token", false)
	v.SetDefault("auth.credentials_key", "")
}

// LoadConfig reads configuration from file, environment variables, and
// defaults. An empty path searches /etc/fedauth, $HOME/.fedauth and the
// working directory for config.yaml. Environment variables use the FEDAUTH_
// prefix with dots replaced by underscores, e.g. FEDAUTH_JWT_SIGNING_KEY.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/fedauth/")
		v.AddConfigPath("$HOME/.fedauth")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FEDAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when searching; defaults and env apply.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.Providers.Microsoft.AllowedTenants = splitList(cfg.Providers.Microsoft.AllowedTenants)

	return &cfg, nil
}

// splitList flattens comma-separated entries, as env vars deliver lists.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate fails fast on settings the service cannot start with.
func (c *Config) Validate() error {
	if len(c.JWT.SigningKey) < MinSigningKeyBytes {
		return serrors.Wrap(serrors.KindSigningKeyMisconfigured, serrors.ErrSigningKeyMisconfigured.Description,
			fmt.Errorf("jwt.signing_key must be at least %d bytes", MinSigningKeyBytes))
	}

	var errs []error
	if c.JWT.Lifetime <= 0 {
		errs = append(errs, errors.New("jwt.lifetime must be positive"))
	}
	if c.JWT.ClockSkew < 0 {
		errs = append(errs, errors.New("jwt.clock_skew must not be negative"))
	}
	if c.Refresh.Lifetime <= 0 {
		errs = append(errs, errors.New("refresh.lifetime must be positive"))
	}
	switch c.Refresh.Store {
	case StoreMongo, StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis refresh store"))
		}
	default:
		errs = append(errs, fmt.Errorf("refresh.store %q is not one of mongo, redis, memory", c.Refresh.Store))
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.uri and mongo.database are required"))
	}
	if c.Providers.JWKSTTL <= 0 || c.Providers.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("providers.jwks_ttl and providers.http_timeout must be positive"))
	}
	if c.Auth.CredentialsKey != "" && len(c.Auth.CredentialsKey) < 32 {
		errs = append(errs, errors.New("auth.credentials_key must be at least 32 bytes"))
	}
	return errors.Join(errs...)
}
