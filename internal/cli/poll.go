package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/webagent/internal/daemon"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	pollOutput   string
	pollPeerWait time.Duration
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one poll cycle and print its report",
	Long: `Run a single cycle against the control server: acquire a token, ping,
fetch the next command, dispatch it and submit the result. The cycle report
is printed as JSON or YAML. Logs go to the log file only.

In bridge mode the bridge listener is started and the cycle waits up to
--peer-wait for an executor to connect. Without one no command is fetched.`,
	Args: cobra.NoArgs,
	RunE: runPoll,
}

func init() {
	pollCmd.Flags().StringVarP(&pollOutput, "output", "o", "json", "report format (json, yaml)")
	pollCmd.Flags().DurationVar(&pollPeerWait, "peer-wait", 10*time.Second, "how long to wait for a bridge executor to connect")
	rootCmd.AddCommand(pollCmd)
}

func runPoll(cmd *cobra.Command, args []string) error {
	if pollOutput != "json" && pollOutput != "yaml" {
		return fmt.Errorf("unknown output format %q (must be: json, yaml)", pollOutput)
	}

	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logging := cfg.Logging
	logging.Console = false
	if logging.File == "" {
		// with no sink left the logger would fall back to stdout
		logging.Level = "disabled"
	}

	log, err := newLogger(logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.WithUserAgent(userAgent()))
	if err != nil {
		return err
	}
	defer d.Close()

	report, err := d.RunOnce(cmd.Context(), pollPeerWait)
	if err != nil {
		return err
	}

	if pollOutput == "yaml" {
		data, err := toYAML(report)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// toYAML renders v through its JSON form so field names and command ids match the wire format
func toYAML(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	blockStyle(&node)

	return yaml.Marshal(&node)
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, child := range n.Content {
		blockStyle(child)
	}
}
