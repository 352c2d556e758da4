package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the control server endpoint used when none is configured
const DefaultBaseURL = "http://127.0.0.1:8000/api/agent/"

// Execution modes
const (
	ExecutorBrowser = "browser"
	ExecutorBridge  = "bridge"
)

// Config represents the main webagent configuration
type Config struct {
	// Control server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Poll schedule
	Poll PollConfig `json:"poll" mapstructure:"poll"`

	// Outbound HTTP
	HTTP HTTPConfig `json:"http" mapstructure:"http"`

	// Command dispatch
	Dispatch DispatchConfig `json:"dispatch" mapstructure:"dispatch"`

	// Execution context selection
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`

	// Browser execution context
	Browser BrowserConfig `json:"browser" mapstructure:"browser"`

	// WebSocket bridge execution context
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds the control server location and session credentials
type ServerConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	// Cookies ("name=value") are sent with token requests when no browser session is available.
	// A list keeps cookie names case-sensitive; viper lowercases map keys.
	Cookies []string `json:"cookies" mapstructure:"cookies"`
}

// PollConfig defines when cycles are triggered
type PollConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	// Schedule overrides Interval with a cron expression or descriptor ("@every 10s")
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// HTTPConfig holds settings for calls to the control server
type HTTPConfig struct {
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// DispatchConfig bounds the wait for an execution context reply
type DispatchConfig struct {
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// ExecutorConfig selects the execution context
type ExecutorConfig struct {
	Mode string `json:"mode" mapstructure:"mode"` // browser, bridge
}

// BrowserConfig holds the Chrome profile driven by the browser execution context
type BrowserConfig struct {
	Profile            string        `json:"profile" mapstructure:"profile"`
	CDPPort            int           `json:"cdp_port" mapstructure:"cdp_port"`
	CDPURL             string        `json:"cdp_url" mapstructure:"cdp_url"`
	AttachOnly         bool          `json:"attach_only" mapstructure:"attach_only"`
	Headless           bool          `json:"headless" mapstructure:"headless"`
	NoSandbox          bool          `json:"no_sandbox" mapstructure:"no_sandbox"`
	ChromePath         string        `json:"chrome_path" mapstructure:"chrome_path"`
	UserDataDir        string        `json:"user_data_dir" mapstructure:"user_data_dir"`
	ElementTimeout     time.Duration `json:"element_timeout" mapstructure:"element_timeout"`
	AllowFileURLs      bool          `json:"allow_file_urls" mapstructure:"allow_file_urls"`
	AllowLocalhostURLs bool          `json:"allow_localhost_urls" mapstructure:"allow_localhost_urls"`
	AllowedDomains     []string      `json:"allowed_domains" mapstructure:"allowed_domains"`
	BlockedDomains     []string      `json:"blocked_domains" mapstructure:"blocked_domains"`
}

// BridgeConfig holds the WebSocket bridge listener settings
type BridgeConfig struct {
	Listen       string `json:"listen" mapstructure:"listen"`
	Path         string `json:"path" mapstructure:"path"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: DefaultBaseURL,
		},
		Poll: PollConfig{
			Interval: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout: 10 * time.Second,
		},
		Dispatch: DispatchConfig{
			Timeout: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			Mode: ExecutorBrowser,
		},
		Browser: BrowserConfig{
			Profile:            "default",
			CDPPort:            9222,
			ElementTimeout:     10 * time.Second,
			AllowLocalhostURLs: true,
		},
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:8765",
			Path:   "/bridge",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// NormalizeBaseURL trims surrounding space and guarantees exactly one trailing slash.
// An empty value resolves to DefaultBaseURL.
func NormalizeBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/"
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateBaseURL(c.Server.BaseURL); err != nil {
		return err
	}

	if c.Poll.Schedule != "" {
		if err := v.ValidateSchedule(c.Poll.Schedule); err != nil {
			return err
		}
	} else if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Poll.Interval)
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http timeout must be positive, got %s", c.HTTP.Timeout)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive, got %s", c.Dispatch.Timeout)
	}

	switch c.Executor.Mode {
	case ExecutorBrowser:
		if c.Browser.Profile == "" {
			return fmt.Errorf("browser profile name is required")
		}
		if c.Browser.CDPURL != "" {
			if _, err := url.Parse(c.Browser.CDPURL); err != nil {
				return fmt.Errorf("invalid browser cdp_url: %w", err)
			}
		}
		if err := v.ValidatePort(c.Browser.CDPPort); err != nil {
			return fmt.Errorf("browser cdp_port: %w", err)
		}
	case ExecutorBridge:
		if err := v.ValidateListenAddr(c.Bridge.Listen); err != nil {
			return fmt.Errorf("bridge listen: %w", err)
		}
		if !strings.HasPrefix(c.Bridge.Path, "/") {
			return fmt.Errorf("bridge path must start with /")
		}
	default:
		return fmt.Errorf("invalid executor mode: %s (must be: browser, bridge)", c.Executor.Mode)
	}

	if c.Metrics.Enabled {
		if err := v.ValidateListenAddr(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
	}

	return v.ValidateLogLevel(c.Logging.Level)
}
