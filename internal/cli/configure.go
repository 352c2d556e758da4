package cli

import (
	"fmt"

	"github.com/harun/webagent/internal/config"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up webagent.
The wizard covers the control server, poll interval, execution context and logging.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader, current, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	wizard := config.NewWizardWithIO(cmd.InOrStdin(), cmd.OutOrStdout())
	cfg, err := wizard.Run(current)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(cmd.OutOrStdout(), "\nYou can now start the agent with: webagent start")

	return nil
}
