package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading from stdin
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard on the given streams
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base
func (w *Wizard) Run(base *Config) (*Config, error) {
	w.println("=== webagent configuration ===")
	w.println()

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	// Control server
	for {
		w.printf("Control server base URL [%s]: ", cfg.Server.BaseURL)
		raw, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if raw == "" {
			break
		}
		if err := validator.ValidateBaseURL(raw); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Server.BaseURL = NormalizeBaseURL(raw)
		break
	}

	w.printf("Poll interval [%s]: ", cfg.Poll.Interval)
	interval, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if interval != "" {
		if d, err := time.ParseDuration(interval); err != nil || d <= 0 {
			w.printf("Warning: invalid interval %q, keeping %s\n", interval, cfg.Poll.Interval)
		} else {
			cfg.Poll.Interval = d
		}
	}

	w.println()

	// Execution context
	w.println("Execution context options:")
	w.println("  browser - drive a Chrome profile over CDP (default)")
	w.println("  bridge  - accept an external executor over WebSocket")
	for {
		w.printf("Executor [%s]: ", cfg.Executor.Mode)
		mode, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if mode == "" {
			break
		}
		mode = strings.ToLower(mode)
		if mode != ExecutorBrowser && mode != ExecutorBridge {
			w.printf("Error: unknown executor %q\n", mode)
			continue
		}
		cfg.Executor.Mode = mode
		break
	}

	if cfg.Executor.Mode == ExecutorBrowser {
		if err := w.browserSection(cfg, validator); err != nil {
			return nil, err
		}
	} else {
		if err := w.bridgeSection(cfg, validator); err != nil {
			return nil, err
		}
	}

	w.println()

	// Logging
	w.println("Logging:")
	w.printf("Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level)
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	w.println()
	w.println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) browserSection(cfg *Config, validator *Validator) error {
	w.printf("Attach to an already running Chrome? (y/n) [%s]: ", yesNo(cfg.Browser.AttachOnly))
	attach, err := w.readLine()
	if err != nil {
		return err
	}
	if attach != "" {
		cfg.Browser.AttachOnly = strings.EqualFold(attach, "y")
	}

	for {
		w.printf("Chrome remote debugging port [%d]: ", cfg.Browser.CDPPort)
		raw, err := w.readLine()
		if err != nil {
			return err
		}
		if raw == "" {
			break
		}
		port, err := strconv.Atoi(raw)
		if err == nil {
			err = validator.ValidatePort(port)
		}
		if err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Browser.CDPPort = port
		break
	}
	return nil
}

func (w *Wizard) bridgeSection(cfg *Config, validator *Validator) error {
	for {
		w.printf("Bridge listen address [%s]: ", cfg.Bridge.Listen)
		addr, err := w.readLine()
		if err != nil {
			return err
		}
		if addr == "" {
			break
		}
		if err := validator.ValidateListenAddr(addr); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Bridge.Listen = addr
		break
	}

	w.print("Bridge shared secret (press Enter for none): ")
	secret, err := w.readLine()
	if err != nil {
		return err
	}
	if secret != "" {
		cfg.Bridge.SharedSecret = secret
	}
	return nil
}

func (w *Wizard) print(s string) {
	fmt.Fprint(w.out, s)
}

func (w *Wizard) println(a ...interface{}) {
	fmt.Fprintln(w.out, a...)
}

func (w *Wizard) printf(format string, a ...interface{}) {
	fmt.Fprintf(w.out, format, a...)
}

// readLine returns the trimmed next line. A final line without newline is accepted.
func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}
