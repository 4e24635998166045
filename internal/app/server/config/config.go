package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPath          = ".env"
	DefaultJWTSecret = "pensieve-dev-secret"
	EnvLocal         = "local"
	EnvDev           = "dev"
	EnvProd          = "prod"
)

type Config struct {
	Env    string
	DB     DB
	Server Server
	Auth   Auth
	Sync   Sync
	Logger Logger
}

type DB struct {
	DatabaseURI string `mapstructure:"database_uri"`
	// Migrations заменяет вшитые миграции директорией на диске
	Migrations string `mapstructure:"migrations_path"`
}

type Server struct {
	RunAddress      string        `mapstructure:"run_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Auth struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type Sync struct {
	PullPageSize    int           `mapstructure:"pull_page_size"`
	PullMaxPageSize int           `mapstructure:"pull_max_page_size"`
	LogRetention    time.Duration `mapstructure:"sync_log_retention"`
	LogPruneSpec    string        `mapstructure:"sync_log_prune_schedule"`
}

type Logger struct {
	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("run_address", ":8080")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("database_uri", "")
	v.SetDefault("migrations_path", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", 30*24*time.Hour)
	v.SetDefault("pull_page_size", 100)
	v.SetDefault("pull_max_page_size", 1000)
	v.SetDefault("sync_log_retention", 30*24*time.Hour)
	v.SetDefault("sync_log_prune_schedule", "@every 1h")
	v.SetDefault("log_level", "info")
}

// Load читает необязательный .env, необязательный конфиг-файл и окружение
func Load(configFile string) (*Config, error) {
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env: v.GetString("app_env"),
		DB: DB{
			DatabaseURI: v.GetString("database_uri"),
			Migrations:  v.GetString("migrations_path"),
		},
		Server: Server{
			RunAddress:      v.GetString("run_address"),
			ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		},
		Auth: Auth{
			JWTSecret: v.GetString("jwt_secret"),
			TokenTTL:  v.GetDuration("token_ttl"),
		},
		Sync: Sync{
			PullPageSize:    v.GetInt("pull_page_size"),
			PullMaxPageSize: v.GetInt("pull_max_page_size"),
			LogRetention:    v.GetDuration("sync_log_retention"),
			LogPruneSpec:    v.GetString("sync_log_prune_schedule"),
		},
		Logger: Logger{LogLevel: v.GetString("log_level")},
	}

	if cfg.Auth.JWTSecret == "" {
		if cfg.Env == EnvProd {
			return nil, fmt.Errorf("JWT_SECRET is required in %s", EnvProd)
		}
		cfg.Auth.JWTSecret = DefaultJWTSecret
	}
	if cfg.Sync.PullPageSize <= 0 {
		return nil, fmt.Errorf("PULL_PAGE_SIZE must be positive, got %d", cfg.Sync.PullPageSize)
	}
	if cfg.Sync.PullMaxPageSize < cfg.Sync.PullPageSize {
		cfg.Sync.PullMaxPageSize = cfg.Sync.PullPageSize
	}

	return cfg, nil
}
