package cli

import (
	"fmt"

	"github.com/harun/webagent/internal/config"
	"github.com/harun/webagent/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "webagent",
	Short: "webagent - remote command agent",
	Long: `webagent polls a control server for remote commands and runs them in a
browser or an external executor, reporting each result back to the server.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.webagent/webagent.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func userAgent() string {
	return "webagent/" + version
}

// loadConfig loads the config file and applies the --log-level flag when set
func loadConfig(cmd *cobra.Command) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if flag := cmd.Flags().Lookup("log-level"); flag != nil && flag.Changed {
		if err := config.NewValidator().ValidateLogLevel(logLevel); err != nil {
			return nil, nil, err
		}
		cfg.Logging.Level = logLevel
	}

	return loader, cfg, nil
}

func newLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Level,
		File:      cfg.File,
		Console:   cfg.Console,
		Pretty:    cfg.Pretty,
		Redaction: cfg.Redaction,
		MaxSize:   cfg.MaxSize,
		MaxAge:    cfg.MaxAge,
		Compress:  cfg.Compress,
	})
}
