// Package config loads process-level configuration from the environment,
// mirroring the env-var-driven loader/validator split used across the rest
// of this stack; cli wraps this with Cobra/Viper for flag and file overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env provides prefix-scoped environment variable lookups with typed
// accessors and defaults.
type Env struct {
	prefix string
}

func NewEnv(prefix string) *Env {
	return &Env{prefix: prefix}
}

func (e *Env) key(k string) string {
	if e.prefix == "" {
		return k
	}
	return e.prefix + "_" + k
}

func (e *Env) GetString(key, def string) string {
	if v := os.Getenv(e.key(key)); v != "" {
		return v
	}
	return def
}

func (e *Env) MustGetString(key string) string {
	v := os.Getenv(e.key(key))
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", e.key(key)))
	}
	return v
}

func (e *Env) GetInt(key string, def int) int {
	if v := os.Getenv(e.key(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (e *Env) GetBool(key string, def bool) bool {
	if v := os.Getenv(e.key(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (e *Env) GetDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(e.key(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnv(prefix)
	return ServerConfig{
		Host:            env.GetString("HOST", "0.0.0.0"),
		Port:            env.GetInt("PORT", 8080),
		ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// DatabaseConfig configures the Postgres pool backing ConfigStore, StateStore
// and the audit log.
type DatabaseConfig struct {
	URL            string
	MaxConnections int
	ConnectTimeout time.Duration
}

func LoadDatabaseConfig(prefix string) DatabaseConfig {
	env := NewEnv(prefix)
	return DatabaseConfig{
		URL:            env.GetString("URL", "postgres://localhost:5432/indexsync?sslmode=disable"),
		MaxConnections: env.GetInt("MAX_CONNECTIONS", 10),
		ConnectTimeout: env.GetDuration("CONNECT_TIMEOUT", 10*time.Second),
	}
}

// RedisConfig configures the optional Redis-backed dedup cache.
type RedisConfig struct {
	Addr     string
	Password string
	Enabled  bool
}

func LoadRedisConfig(prefix string) RedisConfig {
	env := NewEnv(prefix)
	return RedisConfig{
		Addr:     env.GetString("ADDR", "localhost:6379"),
		Password: env.GetString("PASSWORD", ""),
		Enabled:  env.GetBool("ENABLED", false),
	}
}

// ServiceConfig carries process identity and logging configuration.
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
}

func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnv(prefix)
	return ServiceConfig{
		Name:        env.GetString("NAME", "indexsync"),
		Environment: env.GetString("ENVIRONMENT", "development"),
		LogLevel:    env.GetString("LOG_LEVEL", "info"),
		LogFormat:   env.GetString("LOG_FORMAT", "text"),
	}
}

// AuthConfig configures the operational HTTP surface's API key middleware.
type AuthConfig struct {
	APIKey string
}

func LoadAuthConfig(prefix string) AuthConfig {
	env := NewEnv(prefix)
	return AuthConfig{APIKey: env.GetString("API_KEY", "")}
}

// Validator accumulates field-level validation errors.
type Validator struct {
	errors []string
}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

func (v *Validator) Errors() []string { return v.errors }

func (v *Validator) Validate() error {
	if v.IsValid() {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
}

// All bundles every ambient configuration section loaded at process start.
type All struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Service  ServiceConfig
	Auth     AuthConfig
}

// Load reads every section from the environment and validates the result.
func Load(prefix string) (*All, error) {
	cfg := &All{
		Server:   LoadServerConfig(prefix),
		Database: LoadDatabaseConfig(prefix + "_DB"),
		Redis:    LoadRedisConfig(prefix + "_REDIS"),
		Service:  LoadServiceConfig(prefix),
		Auth:     LoadAuthConfig(prefix + "_AUTH"),
	}

	v := NewValidator()
	v.RequireOneOf("Service.Environment", cfg.Service.Environment, []string{"development", "staging", "production"})
	v.RequireOneOf("Service.LogLevel", cfg.Service.LogLevel, []string{"debug", "info", "warn", "error"})
	v.RequirePositiveInt("Server.Port", cfg.Server.Port)
	v.RequireString("Database.URL", cfg.Database.URL)
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
