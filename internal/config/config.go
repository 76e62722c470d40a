package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	HTTPAddr    string `mapstructure:"http_addr"`
	GRPCAddr    string `mapstructure:"grpc_addr"`

	DatabaseDriver string `mapstructure:"database_driver"` // sqlite or pgx
	DatabaseDSN    string `mapstructure:"database_dsn"`

	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTIssuer       string        `mapstructure:"jwt_issuer"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`

	PasswordHash string `mapstructure:"password_hash"` // bcrypt or argon2id
	BcryptCost   int    `mapstructure:"bcrypt_cost"`

	LockoutWindow             time.Duration `mapstructure:"lockout_window"`
	LockoutThreshold          int           `mapstructure:"lockout_threshold"`
	LockoutDuration           time.Duration `mapstructure:"lockout_duration"`
	LockoutPermanentThreshold int           `mapstructure:"lockout_permanent_threshold"`

	PermissionCacheTTL time.Duration `mapstructure:"permission_cache_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`

	LoginRatePerSecond float64 `mapstructure:"login_rate_per_second"`
	LoginRateBurst     int     `mapstructure:"login_rate_burst"`

	AuditPersist    bool          `mapstructure:"audit_persist"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// First-run administrator, created only when the username does not exist.
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
}

const envPrefix = "PABAWI"

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_dsn", "file:pabawi.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "pabawi")
	v.SetDefault("access_token_ttl", time.Hour)
	v.SetDefault("refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("password_hash", "bcrypt")
	v.SetDefault("bcrypt_cost", 10)
	v.SetDefault("lockout_window", 15*time.Minute)
	v.SetDefault("lockout_threshold", 5)
	v.SetDefault("lockout_duration", 15*time.Minute)
	v.SetDefault("lockout_permanent_threshold", 10)
	v.SetDefault("permission_cache_ttl", 5*time.Minute)
	v.SetDefault("sweep_interval", 5*time.Minute)
	v.SetDefault("login_rate_per_second", 1.0)
	v.SetDefault("login_rate_burst", 5)
	v.SetDefault("audit_persist", true)
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("admin_username", "")
	v.SetDefault("admin_password", "")
}

// Load reads defaults, an optional config.yaml and PABAWI_* environment
// variables, in increasing precedence. Extra search paths are tried first.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("/etc/pabawi/")
	v.AddConfigPath("$HOME/.pabawi")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

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
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsProduction reports whether insecure fallbacks must be refused.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

func (c *Config) Validate() error {
	var errs []error
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("jwt_secret of at least 32 bytes is required in production"))
	}
	switch c.DatabaseDriver {
	case "sqlite", "pgx":
	default:
		errs = append(errs, fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		errs = append(errs, errors.New("database_dsn is required"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token ttls must be positive"))
	}
	if c.LockoutWindow <= 0 || c.LockoutDuration <= 0 {
		errs = append(errs, errors.New("lockout window and duration must be positive"))
	}
	if c.LockoutThreshold <= 0 || c.LockoutPermanentThreshold < c.LockoutThreshold {
		errs = append(errs, errors.New("lockout thresholds must be positive and permanent >= temporary"))
	}
	if c.PermissionCacheTTL <= 0 {
		errs = append(errs, errors.New("permission_cache_ttl must be positive"))
	}
	if c.SweepInterval <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("sweep_interval and shutdown_timeout must be positive"))
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("admin_username and admin_password must be set together"))
	}
	return errors.Join(errs...)
}
