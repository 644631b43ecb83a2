package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"sget/internal/client"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "SGET"

	defaultPort            = 8080
	defaultDataDir         = "data"
	defaultDownloadDir     = "downloads"
	defaultMaxDownloads    = 5
	defaultSpeedLimitKB    = 200
	defaultMemoryCacheKB   = 1024
	defaultBufferSize      = 1024
	defaultBuffersPerEvent = 64
	defaultAutosave        = 30 * time.Second
	defaultTempSuffix      = ".tmp"
	defaultTimeout         = 5 * time.Second
	defaultUserAgent       = "sget"
	defaultLogLevel        = "info"
)

// Proxy is the manual proxy applied to downloads added without one.
type Proxy struct {
	Enabled  bool   `yaml:"enabled"  envconfig:"ENABLED"`
	Host     string `yaml:"host"     envconfig:"HOST"`
	Port     int    `yaml:"port"     envconfig:"PORT"`
	Username string `yaml:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port     int    `yaml:"port"      envconfig:"PORT"`
	DataDir  string `yaml:"data_dir"  envconfig:"DATA_DIR"`
	StoreURL string `yaml:"store_url" envconfig:"STORE_URL"`

	DownloadDir             string `yaml:"download_dir"               envconfig:"DOWNLOAD_DIR"`
	MaxDownloads            int    `yaml:"max_downloads"              envconfig:"MAX_DOWNLOADS"`
	EnableSpeedLimit        bool   `yaml:"enable_speed_limit"         envconfig:"ENABLE_SPEED_LIMIT"`
	SpeedLimitKB            int64  `yaml:"speed_limit_kb"             envconfig:"SPEED_LIMIT_KB"`
	MemoryCacheKB           int    `yaml:"memory_cache_kb"            envconfig:"MEMORY_CACHE_KB"`
	BufferSize              int    `yaml:"buffer_size"                envconfig:"BUFFER_SIZE"`
	BuffersPerNotification  int    `yaml:"buffers_per_notification"   envconfig:"BUFFERS_PER_NOTIFICATION"`
	StartDownloadsOnStartup bool   `yaml:"start_downloads_on_startup" envconfig:"START_DOWNLOADS_ON_STARTUP"`
	TempSuffix              string `yaml:"temp_suffix"                envconfig:"TEMP_SUFFIX"`

	AutosaveInterval time.Duration `yaml:"autosave_interval" envconfig:"AUTOSAVE_INTERVAL"`
	HeadTimeout      time.Duration `yaml:"head_timeout"      envconfig:"HEAD_TIMEOUT"`
	ReadTimeout      time.Duration `yaml:"read_timeout"      envconfig:"READ_TIMEOUT"`
	UserAgent        string        `yaml:"user_agent"        envconfig:"USER_AGENT"`

	Proxy    Proxy  `yaml:"proxy"     envconfig:"PROXY"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Default returns the settings of a fresh installation.
func Default() Config {
	return Config{
		Port:                   defaultPort,
		DataDir:                defaultDataDir,
		DownloadDir:            defaultDownloadDir,
		MaxDownloads:           defaultMaxDownloads,
		SpeedLimitKB:           defaultSpeedLimitKB,
		MemoryCacheKB:          defaultMemoryCacheKB,
		BufferSize:             defaultBufferSize,
		BuffersPerNotification: defaultBuffersPerEvent,
		TempSuffix:             defaultTempSuffix,
		AutosaveInterval:       defaultAutosave,
		HeadTimeout:            defaultTimeout,
		ReadTimeout:            defaultTimeout,
		UserAgent:              defaultUserAgent,
		LogLevel:               defaultLogLevel,
	}
}

// Load reads YAML config from the provided path, then applies a .env file
// from the working directory and SGET_* environment variables on top.
// A missing or empty config file yields defaults.
func Load(path string) (Config, error) {
	return LoadWithEnvFile(path, ".env")
}

// LoadWithEnvFile is Load with an explicit dotenv file. An empty envFile
// skips dotenv loading.
func LoadWithEnvFile(path, envFile string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load env file: %w", err)
		}
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.DownloadDir == "" {
		c.DownloadDir = defaultDownloadDir
	}
	if c.TempSuffix == "" {
		c.TempSuffix = defaultTempSuffix
	}
	if !strings.HasPrefix(c.TempSuffix, ".") {
		c.TempSuffix = "." + c.TempSuffix
	}
	if c.HeadTimeout <= 0 {
		c.HeadTimeout = defaultTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate rejects values the download engine cannot work with.
func (c Config) Validate() error {
	switch {
	case c.MaxDownloads < 1:
		return fmt.Errorf("invalid max_downloads: %d (must be >= 1)", c.MaxDownloads)
	case c.MemoryCacheKB < 1:
		return fmt.Errorf("invalid memory_cache_kb: %d (must be >= 1)", c.MemoryCacheKB)
	case c.BufferSize < 1:
		return fmt.Errorf("invalid buffer_size: %d (must be >= 1)", c.BufferSize)
	case c.BuffersPerNotification < 1:
		return fmt.Errorf("invalid buffers_per_notification: %d (must be >= 1)", c.BuffersPerNotification)
	case c.EnableSpeedLimit && c.SpeedLimitKB < 1:
		return fmt.Errorf("invalid speed_limit_kb: %d (must be >= 1 when enabled)", c.SpeedLimitKB)
	case c.Proxy.Enabled && (c.Proxy.Host == "" || c.Proxy.Port < 1 || c.Proxy.Port > 65535):
		return fmt.Errorf("invalid proxy %q:%d", c.Proxy.Host, c.Proxy.Port)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// SpeedLimit is the aggregate bandwidth in bytes per second, 0 when disabled.
func (c Config) SpeedLimit() int64 {
	if !c.EnableSpeedLimit {
		return 0
	}
	return c.SpeedLimitKB * 1024
}

// CacheSize is the per-download memory cache in bytes.
func (c Config) CacheSize() int { return c.MemoryCacheKB * 1024 }

// DefaultProxy returns the manual proxy, or nil when it is disabled.
func (c Config) DefaultProxy() *client.Proxy {
	if !c.Proxy.Enabled {
		return nil
	}
	return &client.Proxy{
		Host:     c.Proxy.Host,
		Port:     c.Proxy.Port,
		Username: c.Proxy.Username,
		Password: c.Proxy.Password,
	}
}

func (c Config) ClientOptions() client.Options {
	return client.Options{
		HeadTimeout: c.HeadTimeout,
		ReadTimeout: c.ReadTimeout,
		UserAgent:   c.UserAgent,
	}
}

// Level is the parsed log level; Validate guarantees it parses.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
