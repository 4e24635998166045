package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"pensieve/internal/app/client/retry"
)

const (
	defaultServerAddress = "localhost:8080"
	defaultEnv           = "local"
	defaultConfigDir     = ".pensieve"
)

type Config struct {
	Env           string
	ServerAddress string
	EnableTLS     bool
	ConfigDir     string
	TokenPath     string
	DataPath      string
	LogFile       string

	SyncInterval   time.Duration
	PullPageSize   int
	PushBatchSize  int
	RetryMax       int
	RetryBase      time.Duration
	RequestTimeout time.Duration
	HealthInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", defaultEnv)
	v.SetDefault("server_address", defaultServerAddress)
	v.SetDefault("enable_tls", false)
	v.SetDefault("config_dir", "")
	v.SetDefault("data_path", "")
	v.SetDefault("token_path", "")
	v.SetDefault("log_file", "")
	v.SetDefault("sync_interval", 15*time.Minute)
	v.SetDefault("pull_page_size", 100)
	v.SetDefault("push_batch_size", 100)
	v.SetDefault("retry_max", retry.DefaultMaxRetries)
	v.SetDefault("retry_base", retry.DefaultBase)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("health_interval", 10*time.Second)
}

// Load читает необязательный .env, необязательный конфиг-файл и окружение,
// затем создает директорию конфигурации.
func Load(configFile string) (*Config, error) {
	envPath := ".env"
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

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	configDir := v.GetString("config_dir")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		configDir = filepath.Join(home, defaultConfigDir)
	}

	inDir := func(key, name string) string {
		if p := v.GetString(key); p != "" {
			return p
		}
		return filepath.Join(configDir, name)
	}

	cfg := &Config{
		Env:            v.GetString("app_env"),
		ServerAddress:  v.GetString("server_address"),
		EnableTLS:      v.GetBool("enable_tls"),
		ConfigDir:      configDir,
		TokenPath:      inDir("token_path", "token"),
		DataPath:       inDir("data_path", "pensieve.db"),
		LogFile:        v.GetString("log_file"),
		SyncInterval:   v.GetDuration("sync_interval"),
		PullPageSize:   v.GetInt("pull_page_size"),
		PushBatchSize:  v.GetInt("push_batch_size"),
		RetryMax:       v.GetInt("retry_max"),
		RetryBase:      v.GetDuration("retry_base"),
		RequestTimeout: v.GetDuration("request_timeout"),
		HealthInterval: v.GetDuration("health_interval"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("SERVER_ADDRESS must not be empty")
	}
	if c.PullPageSize <= 0 {
		return fmt.Errorf("PULL_PAGE_SIZE must be positive, got %d", c.PullPageSize)
	}
	if c.PushBatchSize <= 0 {
		return fmt.Errorf("PUSH_BATCH_SIZE must be positive, got %d", c.PushBatchSize)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative, got %d", c.RetryMax)
	}
	if c.RetryBase <= 0 {
		return fmt.Errorf("RETRY_BASE must be positive, got %s", c.RetryBase)
	}
	if c.SyncInterval < time.Second {
		return fmt.Errorf("SYNC_INTERVAL must be at least 1s, got %s", c.SyncInterval)
	}
	return nil
}

// BaseURL возвращает адрес сервера со схемой.
func (c *Config) BaseURL() string {
	addr := strings.TrimRight(c.ServerAddress, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if c.EnableTLS {
		return "https://" + addr
	}
	return "http://" + addr
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

func (c *Config) IsLocal() bool {
	return c.Env == "local" || c.Env == ""
}
