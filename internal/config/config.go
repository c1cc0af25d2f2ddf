package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/idot-digital/usersync/internal/dispatch"
	"github.com/idot-digital/usersync/internal/identity"
	"github.com/idot-digital/usersync/internal/signature"
	"github.com/idot-digital/usersync/internal/store"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Database DatabaseConfig `mapstructure:"database"`
	Identity IdentityConfig `mapstructure:"identity"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	Events   EventsConfig   `mapstructure:"events"`
	Session  SessionConfig  `mapstructure:"session"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	RESTPort        int           `mapstructure:"rest_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	AdminToken      string        `mapstructure:"admin_token"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebhookConfig struct {
	Secret    string        `mapstructure:"secret"`
	Tolerance time.Duration `mapstructure:"tolerance"`
	// SideEffectTimeout bounds each best-effort call after a store write.
	SideEffectTimeout time.Duration `mapstructure:"side_effect_timeout"`
}

type DatabaseConfig struct {
	// Driver is "mysql", "postgres" or "memory".
	Driver string      `mapstructure:"driver"`
	DSN    string      `mapstructure:"dsn"`
	MySQL  MySQLConfig `mapstructure:"mysql"`
}

type MySQLConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
}

type IdentityConfig struct {
	APIURL    string        `mapstructure:"api_url"`
	SecretKey string        `mapstructure:"secret_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ReplayConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
	Name    string `mapstructure:"name"`
}

type SessionConfig struct {
	PublicKey       string        `mapstructure:"public_key"`
	Issuer          string        `mapstructure:"issuer"`
	Leeway          time.Duration `mapstructure:"leeway"`
	ProtectedRoutes []string      `mapstructure:"protected_routes"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ErrMissingSecret is returned by Validate when no webhook secret is set.
var ErrMissingSecret = errors.New("WEBHOOK_SECRET is not set")

// NewViper returns a viper instance with defaults and environment bindings
// applied. Callers may bind flags to it before passing it to LoadFrom.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.rest_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.tolerance", signature.DefaultTolerance.String())
	v.SetDefault("webhook.side_effect_timeout", dispatch.DefaultSideEffectTimeout.String())
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.mysql.user", "root")
	v.SetDefault("database.mysql.password", "root")
	v.SetDefault("database.mysql.name", "root")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", "3306")
	v.SetDefault("identity.api_url", identity.DefaultAPIURL)
	v.SetDefault("identity.secret_key", "")
	v.SetDefault("identity.timeout", "10s")
	v.SetDefault("replay.enabled", false)
	v.SetDefault("replay.redis_url", "redis://localhost:6379/0")
	v.SetDefault("replay.ttl", "10m")
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.nats_url", "nats://localhost:4222")
	v.SetDefault("events.name", "usersync")
	v.SetDefault("session.public_key", "")
	v.SetDefault("session.issuer", "")
	v.SetDefault("session.leeway", "5s")
	v.SetDefault("session.protected_routes", []string{`^/api/users(/.*)?$`, `^/api/trpc(/.*)?$`})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Names the deployment already uses.
	_ = v.BindEnv("server.admin_token", "AUTH_TOKEN", "SERVER_ADMIN_TOKEN")
	_ = v.BindEnv("database.mysql.user", "MYSQL_USER", "DATABASE_MYSQL_USER")
	_ = v.BindEnv("database.mysql.password", "MYSQL_PASSWORD", "DATABASE_MYSQL_PASSWORD")
	_ = v.BindEnv("database.mysql.name", "MYSQL_DATABASE_NAME", "DATABASE_MYSQL_NAME")
	_ = v.BindEnv("database.mysql.host", "MYSQL_HOST", "DATABASE_MYSQL_HOST")
	_ = v.BindEnv("database.mysql.port", "MYSQL_PORT", "DATABASE_MYSQL_PORT")
	_ = v.BindEnv("identity.secret_key", "CLERK_SECRET_KEY", "IDENTITY_SECRET_KEY")
	_ = v.BindEnv("session.public_key", "CLERK_JWT_KEY", "SESSION_PUBLIC_KEY")

	return v
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	return LoadFrom(NewViper(), configPath)
}

func LoadFrom(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("usersync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/usersync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate reports startup configuration errors. A missing webhook secret
// is a dispatch.KindMisconfigured error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return dispatch.Misconfigured(ErrMissingSecret)
	}
	if _, err := signature.NewVerifier(c.Webhook.Secret, c.Webhook.Tolerance); err != nil {
		return dispatch.Misconfigured(err)
	}
	switch c.Database.Driver {
	case store.DriverMySQL, store.DriverPostgres, store.DriverMemory, "":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == store.DriverPostgres && c.Database.DSN == "" {
		return errors.New("database.dsn is required for the postgres driver")
	}
	if c.Replay.Enabled && c.Replay.RedisURL == "" {
		return errors.New("replay.redis_url is required when replay is enabled")
	}
	if c.Replay.Enabled && c.Replay.TTL <= 0 {
		return fmt.Errorf("replay.ttl must be positive, got %s", c.Replay.TTL)
	}
	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("events.nats_url is required when events are enabled")
	}
	return nil
}

// DSN returns the store connection string for the configured driver.
func (c *Config) DSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	if c.Database.Driver == store.DriverMySQL || c.Database.Driver == "" {
		return c.GetDBURI()
	}
	return ""
}

func (c *Config) GetDBURI() string {
	m := c.Database.MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		m.User, m.Password, m.Host, m.Port, m.Name)
}
