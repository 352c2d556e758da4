package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/webagent/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the webagent daemon.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		fmt.Fprintf(out, "Control server: %s\n", cfg.Server.BaseURL)
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)

	// PID file modification time approximates the start time
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}
	fmt.Fprintf(out, "Control server: %s\n", cfg.Server.BaseURL)
	fmt.Fprintf(out, "Executor: %s\n", cfg.Executor.Mode)

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
