package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBaseURL validates the control server base URL
func (v *Validator) ValidateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil // Falls back to DefaultBaseURL
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base URL scheme: %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base URL: missing host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("base URL must not carry a query or fragment")
	}

	return nil
}

// ValidateSchedule validates a cron expression or descriptor such as "@every 5s"
func (v *Validator) ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateListenAddr validates a host:port listen address. Port 0 asks the
// kernel for a free port.
func (v *Validator) ValidateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port in %q", addr)
	}
	if p == 0 {
		return nil
	}
	return v.ValidatePort(p)
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation and collects every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateBaseURL(cfg.Server.BaseURL); err != nil {
		errors = append(errors, err)
	}
	for i, cookie := range cfg.Server.Cookies {
		name, _, ok := strings.Cut(cookie, "=")
		if !ok || strings.TrimSpace(name) == "" {
			errors = append(errors, fmt.Errorf("server cookie %d: expected name=value", i))
		}
	}

	if cfg.Poll.Schedule != "" {
		if err := v.ValidateSchedule(cfg.Poll.Schedule); err != nil {
			errors = append(errors, err)
		}
	} else if cfg.Poll.Interval <= 0 {
		errors = append(errors, fmt.Errorf("poll.interval must be positive"))
	}

	if cfg.HTTP.Timeout <= 0 {
		errors = append(errors, fmt.Errorf("http.timeout must be positive"))
	}
	if cfg.Dispatch.Timeout <= 0 {
		errors = append(errors, fmt.Errorf("dispatch.timeout must be positive"))
	}
	if cfg.Browser.ElementTimeout < 0 {
		errors = append(errors, fmt.Errorf("browser.element_timeout must be >= 0"))
	}

	if cfg.Executor.Mode != ExecutorBrowser && cfg.Executor.Mode != ExecutorBridge {
		errors = append(errors, fmt.Errorf("invalid executor mode: %s", cfg.Executor.Mode))
	}
	if cfg.Executor.Mode == ExecutorBridge {
		if err := v.ValidateListenAddr(cfg.Bridge.Listen); err != nil {
			errors = append(errors, fmt.Errorf("bridge.listen: %w", err))
		}
	}

	if cfg.Metrics.Enabled {
		if err := v.ValidateListenAddr(cfg.Metrics.Listen); err != nil {
			errors = append(errors, fmt.Errorf("metrics.listen: %w", err))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
