package main

import (
	"fmt"
	"strings"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/printhost/hooks"
	"github.com/fornellas/printhost/printer"
	"github.com/fornellas/printhost/settings"
)

var hookEnv []string
var defaultHookEnv = []string{}

var HookCmd = &cobra.Command{
	Use:   "hook action",
	Short: "Run the script configured for an action command.",
	Long:  "Runs the script the printer would trigger by sending \"//action:<action>\", as configured at " + settings.ActionScriptsKey + ". Useful to test scripts without a printer.",
	Args:  cobra.ExactArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		action := args[0]

		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"action", action,
		)
		cmd.SetContext(ctx)

		s, err := settings.Load(settingsPath)
		if err != nil {
			return err
		}
		runner := hooks.New(s.ActionScripts())
		if !runner.Has(action) {
			logger.Error("Unknown action", "actions", runner.Actions())
			return fmt.Errorf("no script for action %#v", action)
		}

		env := map[string]string{
			hooks.EnvState: printer.StateOperational.String(),
		}
		for _, kv := range hookEnv {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid environment variable %#v, expected KEY=VALUE", kv)
			}
			env[key] = value
		}
		return runner.Run(ctx, action, env)
	}),
}

func init() {
	HookCmd.PersistentFlags().StringArrayVarP(&hookEnv, "env", "e", defaultHookEnv, "Extra KEY=VALUE environment variable for the script, can be repeated")

	RootCmd.AddCommand(HookCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		hookEnv = defaultHookEnv
	})
}
