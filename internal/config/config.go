// Package config loads service configuration from a YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Email     EmailConfig     `yaml:"email"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Algorithm AlgorithmConfig `yaml:"algorithm"`
	Export    ExportConfig    `yaml:"export"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type EmailConfig struct {
	APIKey      string   `yaml:"api_key"`
	FromName    string   `yaml:"from_name"`
	FromAddress string   `yaml:"from_address"`
	Recipients  []string `yaml:"recipients"`
}

type PoolConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

type ExecutorConfig struct {
	Algorithm PoolConfig `yaml:"algorithm"`
	File      PoolConfig `yaml:"file"`
}

type AlgorithmConfig struct {
	DefaultParameterName string        `yaml:"default_parameter_name"`
	RunTimeout           time.Duration `yaml:"run_timeout"`
	TaskRetentionDays    int           `yaml:"task_retention_days"`
}

type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Mode:  "dev",
			Level: "info",
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{
			CacheTTL: 5 * time.Minute,
		},
		Email: EmailConfig{
			FromName: "NOOS Planner",
		},
		Executor: ExecutorConfig{
			Algorithm: PoolConfig{Workers: 2, QueueCapacity: 10},
			File:      PoolConfig{Workers: 8, QueueCapacity: 50},
		},
		Algorithm: AlgorithmConfig{
			DefaultParameterName: "default",
			TaskRetentionDays:    30,
		},
		Export: ExportConfig{
			Dir: "./exports",
		},
	}
}

// Load reads the YAML file at path (optional) on top of Default and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_MODE"); v != "" {
		cfg.Log.Mode = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EMAIL_API_KEY"); v != "" {
		cfg.Email.APIKey = v
	}
	if v := os.Getenv("FROM_NAME"); v != "" {
		cfg.Email.FromName = v
	}
	if v := os.Getenv("FROM_ADDRESS"); v != "" {
		cfg.Email.FromAddress = v
	}
	if v := os.Getenv("NOOS_EXPORT_DIR"); v != "" {
		cfg.Export.Dir = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"NOOS_ALGORITHM_WORKERS", &cfg.Executor.Algorithm.Workers},
		{"NOOS_ALGORITHM_QUEUE", &cfg.Executor.Algorithm.QueueCapacity},
		{"NOOS_FILE_WORKERS", &cfg.Executor.File.Workers},
		{"NOOS_FILE_QUEUE", &cfg.Executor.File.QueueCapacity},
		{"NOOS_TASK_RETENTION_DAYS", &cfg.Algorithm.TaskRetentionDays},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = n
	}

	if v := os.Getenv("NOOS_RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid NOOS_RUN_TIMEOUT: %w", err)
		}
		cfg.Algorithm.RunTimeout = d
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}
	if c.Executor.Algorithm.Workers < 1 || c.Executor.Algorithm.QueueCapacity < 1 {
		return errors.New("executor.algorithm needs at least one worker and one queue slot")
	}
	if c.Executor.File.Workers < 1 || c.Executor.File.QueueCapacity < 1 {
		return errors.New("executor.file needs at least one worker and one queue slot")
	}
	if c.Algorithm.RunTimeout < 0 {
		return errors.New("algorithm.run_timeout must not be negative")
	}
	if c.Algorithm.DefaultParameterName == "" {
		c.Algorithm.DefaultParameterName = "default"
	}
	return nil
}
