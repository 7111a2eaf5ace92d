package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	slogxtCobra "github.com/fornellas/slogxt/cobra"
	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/settings"
)

const envPrefix = "PRINTHOST"

var settingsPath string
var defaultSettingsPath = filepath.Join(settings.BaseDir(), "config.yaml")

var logDebugPath string
var logDebugFile io.WriteCloser
var defaultLogDebugPath = ""

// bindEnvFlags sets every flag not given on the command line from its PRINTHOST_* variable.
// Inspired by https://github.com/spf13/viper/issues/671#issuecomment-671067523
func bindEnvFlags(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), err))
		}
	})
	return errors.Join(errs...)
}

// openDebugLog truncates the debug log file, creating its directory.
func openDebugLog(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
}

// setupLogger stores the command logger in its context. Records are grouped by the command
// path, so daemon and one-shot logs can be told apart in a shared debug file.
func setupLogger(cmd *cobra.Command) error {
	group := "🖨️ " + cmd.CommandPath()
	logger := slogxtCobra.GetLogger(cmd.OutOrStderr()).WithGroup(group)

	if logDebugPath != "" {
		var err error
		logDebugFile, err = openDebugLog(logDebugPath)
		if err != nil {
			return err
		}
		debugFileHandler := log.NewTerminalLineHandler(logDebugFile, &log.TerminalHandlerOptions{
			HandlerOptions: slog.HandlerOptions{
				Level: slog.LevelDebug,
			},
			ForceColor: true,
		}).WithGroup(group)
		logger = slog.New(log.NewMultiHandler(debugFileHandler, logger.Handler()))
	}

	cmd.SetContext(log.WithLogger(cmd.Context(), logger))
	return nil
}

var RootCmd = &cobra.Command{
	Use:   "printhost",
	Short: "Host for BEETHEFIRST 3D printers.",
	Long: `Connects to a BEETHEFIRST printer over USB, a serial port or a TCP bridge, and controls its print jobs.

Settings are read from the --settings file. Every flag can also be given as an environment variable, prefixed with ` + envPrefix + `_, eg: ` + envPrefix + `_PORT_NAME=/dev/ttyACM0.`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindEnvFlags(cmd); err != nil {
			return err
		}
		return setupLogger(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logDebugFile != nil {
			return logDebugFile.Close()
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger := log.MustLogger(cmd.Context())
			logger.Error("Failed to display help", "err", err)
		}
		Exit(1)
	},
}

var resetFlagsFns = []func(){
	func() { slogxtCobra.Reset() },
}

func ResetFlags() {
	for _, resetFlagFn := range resetFlagsFns {
		resetFlagFn()
	}
}

func init() {
	slogxtCobra.AddLoggerFlags(RootCmd)

	flags := RootCmd.PersistentFlags()
	flags.StringVarP(&settingsPath, "settings", "s", defaultSettingsPath, "Path to the settings file")
	flags.StringVarP(
		&logDebugPath, "log-debug-path", "", defaultLogDebugPath,
		"Truncate file and write debugging logging to it.",
	)

	resetFlagsFns = append(resetFlagsFns, func() {
		settingsPath = defaultSettingsPath
		logDebugPath = defaultLogDebugPath
	})
}
