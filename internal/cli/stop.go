package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/webagent/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the webagent daemon",
	Long: `Stop the webagent daemon gracefully.
Sends SIGTERM to the daemon and waits for it to shut down.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 40, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is not running")
	}

	if err := signalProcess(pid, syscall.SIGTERM); err != nil {
		return err
	}

	// Wait for process to stop with timeout
	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped successfully")
			os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Timeout reached, sending SIGKILL...")
	if err := signalProcess(pid, syscall.SIGKILL); err != nil {
		return err
	}

	os.Remove(pidFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon killed")
	return nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to send %s: %w", sig, err)
	}
	return nil
}
