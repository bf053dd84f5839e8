package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/codepush/internal/config"
	"github.com/breeze-rmm/codepush/internal/logging"
	"github.com/breeze-rmm/codepush/internal/updater"
	"github.com/breeze-rmm/codepush/pkg/codepush"
)

var (
	version = "0.1.0"

	cfgFile   string
	yamlFile  string
	logLevel  string
	logFormat string
	logFile   string

	bootOutcome string
	statusJSON  bool
)

var log = logging.L("cli")

var rootCmd = &cobra.Command{
	Use:   "codepush",
	Short: "Codepush update client",
	Long: `codepush simulates a host application on top of the update client:
it resolves the patch to boot, records boot outcomes and runs update cycles
against the configured patch server.`,
	SilenceUsage: true,
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Resolve the patch to boot and record the launch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.OutOrStdout(), runBoot)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether a new patch is available",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.OutOrStdout(), runCheck)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run one update cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.OutOrStdout(), runUpdate)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted update state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.OutOrStdout(), runStatus)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "codepush v%s\n", version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "host config file (default is ./codepush.yaml)")
	flags.StringVar(&yamlFile, "yaml", "", "compiled app YAML (overrides compiled_yaml_path)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&logFile, "log-file", "", "write logs to this file, rotated by size")

	bootCmd.Flags().StringVar(&bootOutcome, "outcome", "success", "boot outcome to record: success, failure or crash")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")

	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withEngine loads the host config, sets up logging, initializes an engine
// and hands it to fn. The engine is closed afterwards.
func withEngine(out io.Writer, fn func(ctx context.Context, e *codepush.Engine, out io.Writer) error) error {
	host, err := config.LoadHost(cfgFile)
	if err != nil {
		return fmt.Errorf("load host config: %w", err)
	}
	applyFlagOverrides(host)

	output, closer, err := logging.OpenOutput(host.LogFile, logging.RotateOptions{}, false)
	if err != nil {
		return err
	}
	defer closer.Close()
	logging.Init(host.LogFormat, host.LogLevel, output)

	compiled, err := host.CompiledYAML()
	if err != nil {
		return fmt.Errorf("read compiled yaml: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := codepush.New()
	if err := e.Init(host.AppParams(), compiled); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Close(closeCtx)
	}()

	return fn(ctx, e, out)
}

func applyFlagOverrides(host *config.HostConfig) {
	if yamlFile != "" {
		host.CompiledYAMLPath = yamlFile
	}
	if logLevel != "" {
		host.LogLevel = logLevel
	}
	if logFormat != "" {
		host.LogFormat = logFormat
	}
	if logFile != "" {
		host.LogFile = logFile
	}
}

func runBoot(ctx context.Context, e *codepush.Engine, out io.Writer) error {
	outcome := strings.ToLower(bootOutcome)
	switch outcome {
	case "success", "failure", "crash":
	default:
		return fmt.Errorf("unknown --outcome %q (use success, failure or crash)", bootOutcome)
	}

	if next := e.NextBootPatch(); next != nil {
		fmt.Fprintf(out, "Booting patch %d from %s\n", next.Number, next.Path)
	} else {
		fmt.Fprintln(out, "Booting base release")
	}

	if err := e.ReportLaunchStart(); err != nil {
		return err
	}

	switch outcome {
	case "crash":
		// Exit without a terminal event; the next run detects the crash.
		fmt.Fprintln(out, "Simulated crash, no launch outcome recorded")
		os.Exit(2)
	case "failure":
		if err := e.ReportLaunchFailure(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Launch failure recorded, next boot patch: %s\n", patchLabel(e.NextBootPatchNumber()))
	default:
		if err := e.ReportLaunchSuccess(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Launch success recorded, running patch: %s\n", patchLabel(e.CurrentBootPatchNumber()))
	}

	if e.ShouldAutoUpdate() && e.StartUpdateThread() {
		log.Debug("auto update started")
	}
	return nil
}

func runCheck(ctx context.Context, e *codepush.Engine, out io.Writer) error {
	if e.CheckForUpdate(ctx) {
		fmt.Fprintln(out, "Update available")
	} else {
		fmt.Fprintln(out, "No update available")
	}
	return nil
}

func runUpdate(ctx context.Context, e *codepush.Engine, out io.Writer) error {
	status, err := e.Update(ctx)
	fmt.Fprintf(out, "Update status: %s\n", status)
	if err != nil {
		return err
	}
	if status == updater.UpdateInstalled {
		fmt.Fprintf(out, "Patch %d will be used on next boot\n", e.NextBootPatchNumber())
	}
	return nil
}

func runStatus(ctx context.Context, e *codepush.Engine, out io.Writer) error {
	st, err := e.Status()
	if err != nil {
		return err
	}
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(out, "App:              %s (%s)\n", st.AppID, st.Channel)
	fmt.Fprintf(out, "Release:          %s\n", st.ReleaseVersion)
	fmt.Fprintf(out, "Client ID:        %s\n", st.ClientID)
	fmt.Fprintf(out, "Next boot patch:  %s\n", patchLabel(st.NextBootPatch))
	fmt.Fprintf(out, "Running patch:    %s\n", patchLabel(st.CurrentBootPatch))
	fmt.Fprintf(out, "Known bad:        %v\n", st.KnownBadPatches)
	fmt.Fprintf(out, "Queued events:    %d\n", st.QueuedEvents)
	fmt.Fprintf(out, "Health:           %s\n", st.Health.Status)
	for _, c := range st.Health.Components {
		line := fmt.Sprintf("  %-12s %s", c.Name, c.Status)
		if c.Message != "" {
			line += " (" + c.Message + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func patchLabel(number uint64) string {
	if number == 0 {
		return "none (base release)"
	}
	return fmt.Sprintf("%d", number)
}
