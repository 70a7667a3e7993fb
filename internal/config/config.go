// Package config resolves service settings from defaults, an optional
// config.toml in the data directory, .env files and BROWSER_AGENT_*
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable the service reads.
const EnvPrefix = "BROWSER_AGENT"

// Engine modes.
const (
	ModeLocal     = "local"
	ModeContainer = "container"
	ModeCDP       = "cdp"
	ModeMock      = "mock"
)

const (
	configName  = "config"
	configType  = "toml"
	dataDirName = ".browser_agent"
)

// Keys as they appear in config.toml and, upper-cased, after EnvPrefix.
const (
	KeyHost              = "host"
	KeyPort              = "port"
	KeyDataDir           = "data_dir"
	KeySnapshotPath      = "snapshot_path"
	KeyScreenshotDir     = "screenshot_dir"
	KeyHeadless          = "headless"
	KeyMode              = "mode"
	KeyCDPURL            = "cdp_url"
	KeyContainerImage    = "container_image"
	KeyNavigationTimeout = "navigation_timeout"
	KeyWaitTimeout       = "wait_timeout"
	KeyActionTimeout     = "action_timeout"
	KeyConsoleCapacity   = "console_capacity"
	KeyShutdownGrace     = "shutdown_grace"
	KeyRateLimitPerHour  = "rate_limit_per_hour"
	KeyRateLimitBurst    = "rate_limit_burst"
	KeyVisionDetectURL   = "vision_detect_url"
	KeyVisionSegmentURL  = "vision_segment_url"
	KeyLogLevel          = "log_level"
	KeyLogDevelopment    = "log_development"
	KeyServerURL         = "server_url"
)

// Config is the resolved service configuration.
type Config struct {
	Host          string
	Port          int
	DataDir       string
	SnapshotPath  string
	ScreenshotDir string

	Headless       bool
	Mode           string
	CDPURL         string
	ContainerImage string

	NavigationTimeout time.Duration
	WaitTimeout       time.Duration
	ActionTimeout     time.Duration

	ConsoleCapacity int
	ShutdownGrace   time.Duration

	// RateLimitPerHour of zero disables rate limiting.
	RateLimitPerHour int
	RateLimitBurst   int

	VisionDetectURL  string
	VisionSegmentURL string

	LogLevel       string
	LogDevelopment bool

	// ServerURL is where CLI commands send requests.
	ServerURL string
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper, home string) {
	v.SetDefault(KeyHost, "localhost")
	v.SetDefault(KeyPort, 3001)
	v.SetDefault(KeyDataDir, filepath.Join(home, dataDirName))
	v.SetDefault(KeyHeadless, false)
	v.SetDefault(KeyMode, ModeLocal)
	v.SetDefault(KeyContainerImage, "browserless/chrome:latest")
	v.SetDefault(KeyNavigationTimeout, 30*time.Second)
	v.SetDefault(KeyWaitTimeout, 10*time.Second)
	v.SetDefault(KeyActionTimeout, 10*time.Second)
	v.SetDefault(KeyConsoleCapacity, 100)
	v.SetDefault(KeyShutdownGrace, 10*time.Second)
	v.SetDefault(KeyRateLimitPerHour, 0)
	v.SetDefault(KeyRateLimitBurst, 10)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogDevelopment, false)
}

// Load resolves the configuration. envFiles default to ".env"; missing
// files are skipped. v may carry flags bound by the caller.
func Load(v *viper.Viper, envFiles ...string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v, home)

	dataDir := expandHome(v.GetString(KeyDataDir), home)
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	// config.toml may itself move the data directory.
	dataDir = expandHome(v.GetString(KeyDataDir), home)

	cfg := &Config{
		Host:              v.GetString(KeyHost),
		Port:              v.GetInt(KeyPort),
		DataDir:           dataDir,
		SnapshotPath:      expandHome(v.GetString(KeySnapshotPath), home),
		ScreenshotDir:     expandHome(v.GetString(KeyScreenshotDir), home),
		Headless:          v.GetBool(KeyHeadless),
		Mode:              strings.ToLower(strings.TrimSpace(v.GetString(KeyMode))),
		CDPURL:            v.GetString(KeyCDPURL),
		ContainerImage:    v.GetString(KeyContainerImage),
		NavigationTimeout: v.GetDuration(KeyNavigationTimeout),
		WaitTimeout:       v.GetDuration(KeyWaitTimeout),
		ActionTimeout:     v.GetDuration(KeyActionTimeout),
		ConsoleCapacity:   v.GetInt(KeyConsoleCapacity),
		ShutdownGrace:     v.GetDuration(KeyShutdownGrace),
		RateLimitPerHour:  v.GetInt(KeyRateLimitPerHour),
		RateLimitBurst:    v.GetInt(KeyRateLimitBurst),
		VisionDetectURL:   v.GetString(KeyVisionDetectURL),
		VisionSegmentURL:  v.GetString(KeyVisionSegmentURL),
		LogLevel:          v.GetString(KeyLogLevel),
		LogDevelopment:    v.GetBool(KeyLogDevelopment),
		ServerURL:         v.GetString(KeyServerURL),
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = filepath.Join(dataDir, "session.json")
	}
	if cfg.ScreenshotDir == "" {
		cfg.ScreenshotDir = filepath.Join(dataDir, "screenshots")
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://" + cfg.Addr()
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Mode {
	case ModeLocal, ModeContainer, ModeMock:
	case ModeCDP:
		if c.CDPURL == "" {
			errs = append(errs, errors.New("cdp mode requires cdp_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is empty"))
	}
	if c.ConsoleCapacity <= 0 {
		errs = append(errs, errors.New("console_capacity must be positive"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{KeyNavigationTimeout, c.NavigationTimeout},
		{KeyWaitTimeout, c.WaitTimeout},
		{KeyActionTimeout, c.ActionTimeout},
		{KeyShutdownGrace, c.ShutdownGrace},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.RateLimitPerHour < 0 {
		errs = append(errs, errors.New("rate_limit_per_hour must not be negative"))
	}
	if c.RateLimitPerHour > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate_limit_burst must be positive"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PIDPath is where the supervisor records the server's process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "server.pid")
}

// LogPath is where a background server writes its output.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "server.log")
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
