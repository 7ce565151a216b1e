// Ninabridge publishes NINA Advanced API device state to an MQTT broker
// and relays write commands back to NINA.
//
// Configuration is loaded from a single YAML file, either named with -c
// or discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ninabridge serve [-c config.yaml] [-v|-vv|-vvv]   Run the bridge
//	ninabridge init [dir]                             Write an example config
//	ninabridge validate [-c config.yaml]              Check a config file
//	ninabridge version [-o json]                      Print build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/nina-bridge/internal/buildinfo"
	"github.com/nugget/nina-bridge/internal/config"
)

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic so the
// whole lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime;
// cancelling it triggers graceful shutdown. Logs go to stdout, fatal
// errors are returned to the caller.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// newRootCmd builds a fresh command tree. Nothing is kept in package
// globals so tests can call run concurrently.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "ninabridge",
		Short: "Bridge the NINA Advanced API to MQTT",
		Long: `ninabridge polls the NINA Advanced API for device status and images,
publishes them to an MQTT broker with Home Assistant discovery, and
relays write commands from MQTT back to NINA.

Outbound calls are rate limited, poll scheduling pauses while the
dispatch queue keeps growing, and every command receives exactly one
response on the broker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newServeCmd(stdout),
		newInitCmd(stdout),
		newValidateCmd(stdout),
		newVersionCmd(stdout),
	)
	return root
}

func newVersionCmd(w io.Writer) *cobra.Command {
	var outputFmt string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(w, outputFmt)
		},
	}
	cmd.Flags().StringVarP(&outputFmt, "output", "o", "text", "output format: text or json")
	return cmd
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// logLevel resolves the effective level: the configured level, raised
// to whatever the -v count asks for when that is more verbose.
func logLevel(cfg *config.Config, verbosity int) (slog.Level, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return level, err
	}
	if verbosity > 0 {
		if v := config.VerbosityLevel(verbosity); v < level {
			level = v
		}
	}
	return level, nil
}

// loadConfig locates, parses and validates the configuration. An empty
// explicit path searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
