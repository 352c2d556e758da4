package cli

import (
	"fmt"

	"github.com/harun/webagent/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the webagent daemon",
	Long: `Start the webagent daemon in the foreground.
The daemon polls the control server on its schedule until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.WithLoader(loader), daemon.WithUserAgent(userAgent()))
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}

	d.Wait()
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
