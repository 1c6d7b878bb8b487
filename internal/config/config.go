package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/monitor"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"github.com/spf13/viper"
)

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Bus         BusConfig         `mapstructure:"bus"`
	Session     SessionConfig     `mapstructure:"session"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Log         LogConfig         `mapstructure:"log"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BusConfig selects the transport driver by URL scheme, e.g. "sim://fea".
type BusConfig struct {
	Address string `mapstructure:"address"`
}

type SessionConfig struct {
	ExpectedVendor   string        `mapstructure:"expected_vendor"`
	ExpectedUnit     string        `mapstructure:"expected_unit"`
	KeepState        bool          `mapstructure:"keep_state"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	LateReplyGrace   time.Duration `mapstructure:"late_reply_grace"`
	TurnOffOnExit    bool          `mapstructure:"turn_off_on_exit"`
}

type MonitorConfig struct {
	DecodeTimeout time.Duration `mapstructure:"decode_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type CalibrationConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	JWTSecretEnv           string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration `mapstructure:"access_token_ttl"`
	MaxFailedLoginAttempts int           `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration `mapstructure:"account_lock_duration"`
	Users                  []UserConfig  `mapstructure:"users"`
	MachineTokens          []TokenConfig `mapstructure:"machine_tokens"`
}

// UserConfig is a login account. PasswordHash is an argon2id hash as printed
// by feaserver -hash-password.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// TokenConfig is a static token for unattended clients. TokenHash is the hex
// SHA-256 of the token.
type TokenConfig struct {
	Name        string   `mapstructure:"name"`
	TokenHash   string   `mapstructure:"token_hash"`
	Permissions []string `mapstructure:"permissions"`
}

// Load reads the YAML file at path. An empty path yields defaults plus
// environment overrides (FEA_BUS_ADDRESS, FEA_SERVER_HTTP_PORT, ...).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults setzen
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("bus.address", "sim://fea")

	v.SetDefault("session.expected_unit", session.DefaultUnit)
	v.SetDefault("session.operation_timeout", session.DefaultOperationTimeout)
	v.SetDefault("session.late_reply_grace", session.DefaultLateReplyGrace)
	v.SetDefault("session.turn_off_on_exit", true)

	v.SetDefault("monitor.decode_timeout", "5s")
	v.SetDefault("monitor.poll_interval", "0s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("calibration.search_paths", []string{"calibration"})

	// Auth Defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "FEA_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")

	v.SetEnvPrefix("FEA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if c.Bus.Address == "" {
		return fmt.Errorf("invalid config: bus.address is empty")
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid config: server.http_port %d", c.Server.HTTPPort)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid config: log.format %q (want console or json)", c.Log.Format)
	}
	for _, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("invalid config: auth user without username or password_hash")
		}
	}
	if c.Auth.Enabled && len(c.Auth.Users) == 0 && len(c.Auth.MachineTokens) == 0 {
		return fmt.Errorf("invalid config: auth enabled but no users or machine tokens configured")
	}
	return nil
}

// Options converts the section into session options.
func (s SessionConfig) Options() session.Options {
	return session.Options{
		ExpectedVendor:   s.ExpectedVendor,
		ExpectedUnit:     s.ExpectedUnit,
		KeepState:        s.KeepState,
		OperationTimeout: s.OperationTimeout,
		LateReplyGrace:   s.LateReplyGrace,
	}
}

// Options converts the section into monitor options.
func (m MonitorConfig) Options() monitor.Options {
	return monitor.Options{
		DecodeTimeout: m.DecodeTimeout,
		PollInterval:  m.PollInterval,
	}
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "FEA_JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

// IsProductionReady reports whether a real secret of sufficient length is set.
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
