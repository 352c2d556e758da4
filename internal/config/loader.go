package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and WEBAGENT_* environment variables
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("WEBAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	// A missing file is not an error: defaults and environment still apply
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Normalize once at load; consumers never re-normalize
	cfg.Server.BaseURL = NormalizeBaseURL(cfg.Server.BaseURL)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".webagent")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "webagent.log")
	}

	if cfg.Browser.UserDataDir == "" {
		cfg.Browser.UserDataDir = filepath.Join(cfg.DataDir, "browser", cfg.Browser.Profile)
	}

	return cfg, nil
}

// bindEnv registers the keys that may be supplied through the environment only.
// viper's AutomaticEnv does not see keys absent from the file during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server.base_url",
		"poll.interval",
		"poll.schedule",
		"http.timeout",
		"dispatch.timeout",
		"executor.mode",
		"browser.cdp_url",
		"browser.headless",
		"bridge.listen",
		"bridge.shared_secret",
		"metrics.enabled",
		"metrics.listen",
		"logging.level",
		"data_dir",
	} {
		_ = v.BindEnv(key)
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("server", map[string]interface{}{
		"base_url": cfg.Server.BaseURL,
		"cookies":  cfg.Server.Cookies,
	})
	v.Set("poll", map[string]interface{}{
		"interval": cfg.Poll.Interval.String(),
		"schedule": cfg.Poll.Schedule,
	})
	v.Set("http", map[string]interface{}{
		"timeout":              cfg.HTTP.Timeout.String(),
		"insecure_skip_verify": cfg.HTTP.InsecureSkipVerify,
	})
	v.Set("dispatch", map[string]interface{}{
		"timeout": cfg.Dispatch.Timeout.String(),
	})
	v.Set("executor", cfg.Executor)
	v.Set("browser", map[string]interface{}{
		"profile":              cfg.Browser.Profile,
		"cdp_port":             cfg.Browser.CDPPort,
		"cdp_url":              cfg.Browser.CDPURL,
		"attach_only":          cfg.Browser.AttachOnly,
		"headless":             cfg.Browser.Headless,
		"no_sandbox":           cfg.Browser.NoSandbox,
		"chrome_path":          cfg.Browser.ChromePath,
		"user_data_dir":        cfg.Browser.UserDataDir,
		"element_timeout":      cfg.Browser.ElementTimeout.String(),
		"allow_file_urls":      cfg.Browser.AllowFileURLs,
		"allow_localhost_urls": cfg.Browser.AllowLocalhostURLs,
		"allowed_domains":      cfg.Browser.AllowedDomains,
		"blocked_domains":      cfg.Browser.BlockedDomains,
	})
	v.Set("bridge", cfg.Bridge)
	v.Set("metrics", cfg.Metrics)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".webagent", "webagent.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
