package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/nina-bridge/internal/device"
)

func newValidateCmd(w io.Writer) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		Long: `Validate a configuration file without connecting to NINA or the broker.

The YAML is parsed, environment variables are expanded, defaults are
applied and every section is checked. All problems are reported together.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (details printed to stderr)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(w, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: auto-discover)")
	return cmd
}

func runValidate(w io.Writer, configPath string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	classes, err := cfg.Classes()
	if err != nil {
		return err
	}

	var enabled []string
	for _, c := range device.Enabled(classes) {
		enabled = append(enabled, fmt.Sprintf("%s/%s", c.Name, c.RefreshEvery))
	}

	fmt.Fprintf(w, "Config is valid: %s\n", path)
	fmt.Fprintf(w, "  NINA API:       %s\n", cfg.NINA.APIURI)
	fmt.Fprintf(w, "  MQTT broker:    %s\n", cfg.MQTT.Broker)
	fmt.Fprintf(w, "  Base topic:     %s\n", cfg.MQTT.Topics.BaseTopic)
	fmt.Fprintf(w, "  Rate limit:     %d calls/min, %d workers\n", cfg.Dispatch.MaxCallsPerMinute, cfg.Dispatch.Workers)
	fmt.Fprintf(w, "  Devices (%d):   %s\n", len(enabled), strings.Join(enabled, ", "))
	return nil
}
