// Package agent provides the inspector agent: configuration, logging and the
// lifecycle that wires the breakpoint manager, the HTTP server and the
// backend connection together.
package agent

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration.
type Config struct {
	ListenAddr          string        `yaml:"listen_addr"`
	ReportPath          string        `yaml:"report_path"`
	BreakpointStorePath string        `yaml:"breakpoint_store"`
	WatchStore          bool          `yaml:"watch_store"`
	BackendURL          string        `yaml:"backend_url"`
	APIKey              string        `yaml:"api_key"`
	LockTimeout         time.Duration `yaml:"lock_timeout"`
	Debug               bool          `yaml:"debug"`
	Hostname            string        `yaml:"-"`
	AgentID             string        `yaml:"-"`
}

// ConfigFileEnv names the environment variable that points at a YAML config file.
const ConfigFileEnv = "INSPECTOR_CONFIG"

func defaultConfig() *Config {
	return &Config{
		ListenAddr:          ":8000",
		ReportPath:          "conversionReport.txt",
		BreakpointStorePath: "url-breakpoints.json",
		WatchStore:          true,
		LockTimeout:         5 * time.Second,
	}
}

// NewConfig builds the configuration. Defaults are overridden by the YAML
// file named in INSPECTOR_CONFIG, then by environment variables, then by
// options.
func NewConfig(options ...ConfigOption) (*Config, error) {
	return LoadConfig(os.Getenv(ConfigFileEnv), options...)
}

// LoadConfig is NewConfig with an explicit config file. An empty path
// skips the file.
func LoadConfig(path string, options ...ConfigOption) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = getEnvOrDefault("INSPECTOR_LISTEN_ADDR", cfg.ListenAddr)
	cfg.ReportPath = getEnvOrDefault("INSPECTOR_REPORT_PATH", cfg.ReportPath)
	cfg.BreakpointStorePath = getEnvOrDefault("INSPECTOR_BREAKPOINT_STORE", cfg.BreakpointStorePath)
	cfg.WatchStore = getEnvBoolOrDefault("INSPECTOR_WATCH_STORE", cfg.WatchStore)
	cfg.BackendURL = getEnvOrDefault("INSPECTOR_BACKEND_URL", cfg.BackendURL)
	cfg.APIKey = getEnvOrDefault("INSPECTOR_API_KEY", cfg.APIKey)
	cfg.LockTimeout = getEnvDurationOrDefault("INSPECTOR_LOCK_TIMEOUT", cfg.LockTimeout)
	cfg.Debug = getEnvBoolOrDefault("INSPECTOR_DEBUG", cfg.Debug)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.Hostname = hostname
	cfg.AgentID = generateAgentID()

	for _, opt := range options {
		opt(cfg)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithListenAddr sets the HTTP listen address.
func WithListenAddr(addr string) ConfigOption {
	return func(c *Config) {
		c.ListenAddr = addr
	}
}

// WithReportPath sets where attribution reports are recorded.
func WithReportPath(path string) ConfigOption {
	return func(c *Config) {
		c.ReportPath = path
	}
}

// WithBreakpointStore sets the URL breakpoint store file.
func WithBreakpointStore(path string) ConfigOption {
	return func(c *Config) {
		c.BreakpointStorePath = path
	}
}

// WithWatchStore enables or disables reloading the store on change.
func WithWatchStore(watch bool) ConfigOption {
	return func(c *Config) {
		c.WatchStore = watch
	}
}

// WithBackend sets the backend URL and API key.
func WithBackend(url, apiKey string) ConfigOption {
	return func(c *Config) {
		c.BackendURL = url
		c.APIKey = apiKey
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) {
		c.Debug = debug
	}
}

// BackendEnabled reports whether a backend connection is configured.
func (c *Config) BackendEnabled() bool {
	return c.BackendURL != "" && c.APIKey != ""
}

// RuntimeInfo contains Go runtime information.
type RuntimeInfo struct {
	Runtime        string `json:"runtime"`
	RuntimeVersion string `json:"runtime_version"`
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
}

// GetRuntimeInfo returns current runtime information.
func (c *Config) GetRuntimeInfo() RuntimeInfo {
	return RuntimeInfo{
		Runtime:        "go",
		RuntimeVersion: runtime.Version(),
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func generateAgentID() string {
	return "agent-" + uuid.NewString()
}
