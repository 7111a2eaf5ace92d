package main

import (
	"context"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
)

var FirmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Printer firmware commands.",
}

type firmwareReport struct {
	Current         string `yaml:"current"`
	Available       string `yaml:"available,omitempty"`
	UpdateAvailable bool   `yaml:"updateAvailable"`
}

var FirmwareCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the printer firmware version with the newest available one.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		host, err := NewHost(ctx)
		if err != nil {
			return err
		}

		return host.Run(ctx, "Firmware Check", func(ctx context.Context) error {
			detach, err := host.Attach(ctx, cliClient)
			if err != nil {
				return err
			}
			defer detach()

			current, err := host.Printer.CurrentFirmware(ctx)
			if err != nil {
				return err
			}
			available, update, err := host.Printer.CheckFirmwareUpdate(ctx)
			if err != nil {
				return err
			}
			return writeYaml(firmwareReport{
				Current:         current,
				Available:       available,
				UpdateAvailable: update,
			})
		})
	}),
}

var FirmwareUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Flash the newest available firmware to the printer.",
	Long:  "Images are looked for in the firmware folder, as listed by its firmware.properties catalog. Do NOT unplug the printer while flashing.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		host, err := NewHost(ctx)
		if err != nil {
			return err
		}

		return host.Run(ctx, "Firmware Update", func(ctx context.Context) error {
			logger := log.MustLogger(ctx)
			detach, err := host.Attach(ctx, cliClient)
			if err != nil {
				return err
			}
			defer detach()

			logger.Info("Flashing")
			if err := host.Printer.UpdateFirmware(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			current, err := host.Printer.CurrentFirmware(ctx)
			if err != nil {
				return err
			}
			logger.Info("Firmware updated", "version", current)
			return nil
		})
	}),
}

func init() {
	AddConnectFlags(FirmwareCmd)
	AddOutputFlags(FirmwareCheckCmd)

	FirmwareCmd.AddCommand(FirmwareCheckCmd)
	FirmwareCmd.AddCommand(FirmwareUpdateCmd)
	RootCmd.AddCommand(FirmwareCmd)
}
