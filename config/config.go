package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "GATEWAY"

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SeedUser is a user record preloaded into the memory datastore.
type SeedUser struct {
	Name         string   `mapstructure:"name"`
	Roles        []string `mapstructure:"roles"`
	PasswordHash string   `mapstructure:"password_hash"`
}

type DatastoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	URL           string        `mapstructure:"url"`
	AdminUser     string        `mapstructure:"admin_user"`
	AdminPassword string        `mapstructure:"admin_password"`
	UsersDB       string        `mapstructure:"users_db"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Users         []SeedUser    `mapstructure:"users"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           string `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Name           string `mapstructure:"name"`
	SSLMode        string `mapstructure:"sslmode"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	AccessSecret       string        `mapstructure:"access_secret"`
	RefreshSecret      string        `mapstructure:"refresh_secret"`
	AccessTTL          time.Duration `mapstructure:"access_ttl"`
	RefreshTTL         time.Duration `mapstructure:"refresh_ttl"`
	AdminRole          string        `mapstructure:"admin_role"`
	CookieSameSite     string        `mapstructure:"cookie_same_site"`
	LoginRatePerMinute int           `mapstructure:"login_rate_per_minute"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	MaxAttempts     uint64        `mapstructure:"max_attempts"`
}

type OTelConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	App struct {
		Name string `mapstructure:"name"`
		Env  string `mapstructure:"env"`
	} `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Datastore DatastoreConfig `mapstructure:"datastore"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Retry     RetryConfig     `mapstructure:"retry"`
	OTel      OTelConfig      `mapstructure:"otel"`
	Log       LogConfig       `mapstructure:"log"`
}

// IsProduction reports whether cookies must be marked Secure.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ledger-auth-gateway")
	v.SetDefault("app.env", "development")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("datastore.backend", "couchdb")
	v.SetDefault("datastore.url", "http://localhost:5984")
	v.SetDefault("datastore.users_db", "_users")
	v.SetDefault("datastore.timeout", "5s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.migrations_path", "file://db/migrations")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")

	v.SetDefault("auth.refresh_ttl", "168h")
	v.SetDefault("auth.admin_role", "admin")
	v.SetDefault("auth.cookie_same_site", "strict")
	v.SetDefault("auth.login_rate_per_minute", 10)

	v.SetDefault("retry.initial_interval", "50ms")
	v.SetDefault("retry.max_elapsed_time", "2s")
	v.SetDefault("retry.max_attempts", 5)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("otel.service_name", "ledger-auth-gateway")
	v.SetDefault("otel.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads config.yml from path, overlays GATEWAY_* environment
// variables and validates the result. A missing file is not an error so the
// gateway can be configured from the environment alone.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Keys without defaults are invisible to Unmarshal unless bound.
	for _, key := range []string{
		"auth.access_secret", "auth.refresh_secret", "auth.access_ttl",
		"datastore.admin_user", "datastore.admin_password",
		"database.user", "database.password", "database.name", "redis.password",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the gateway cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.AccessSecret == "" {
		errs = append(errs, errors.New("auth.access_secret is required"))
	}
	if c.Auth.RefreshSecret == "" {
		errs = append(errs, errors.New("auth.refresh_secret is required"))
	}
	if c.Auth.AccessSecret != "" && c.Auth.AccessSecret == c.Auth.RefreshSecret {
		errs = append(errs, errors.New("auth.access_secret and auth.refresh_secret must differ"))
	}
	if c.Auth.AccessTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl must be a positive duration"))
	}
	if c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth.refresh_ttl must be a positive duration"))
	}
	if c.Auth.AdminRole == "" {
		errs = append(errs, errors.New("auth.admin_role is required"))
	}

	switch c.Datastore.Backend {
	case "couchdb":
		if c.Datastore.URL == "" {
			errs = append(errs, errors.New("datastore.url is required for the couchdb backend"))
		}
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown datastore.backend %q", c.Datastore.Backend))
	}

	switch strings.ToLower(c.Auth.CookieSameSite) {
	case "strict", "lax", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown auth.cookie_same_site %q", c.Auth.CookieSameSite))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
