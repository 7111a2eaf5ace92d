package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/fornellas/printhost/serialtcp"
	"github.com/fornellas/printhost/simulator"
)

var simulatorOptions simulator.Options

var simulatorStoredFiles []string
var defaultSimulatorStoredFiles = []string{}

var simulatorResends int
var defaultSimulatorResends = 0

var SimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Start a TCP server connected to a simulated printer.",
	Long:  "Runs a simulated printer, reachable with --address. All clients share the same simulated device. There's NO security implemented, this can only be used in secure networks at your own risk.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"listen-address", listenAddress,
		)
		cmd.SetContext(ctx)

		device := simulator.NewDevice(simulatorOptions)
		for _, path := range simulatorStoredFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			name := filepath.Base(path)
			logger.Info("Storing file", "name", name)
			device.StoreFile(name, strings.Split(strings.TrimRight(string(data), "\n"), "\n"))
		}
		if simulatorResends > 0 {
			device.InjectResend(simulatorResends)
		}

		listener, err := listenTcp(listenAddress)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, ignoreClosed(listener.Close())) }()

		return serialtcp.Serve(ctx, listener, func(context.Context) (serial.Port, error) {
			return device.Port(), nil
		})
	}),
}

func init() {
	flags := SimulateCmd.PersistentFlags()
	flags.StringVar(&listenAddress, "listen-address", defaultListenAddress, "TCP address to listen on (host:port)")
	flags.StringVar(&simulatorOptions.Name, "name", "", "Printer model name")
	flags.StringVar(&simulatorOptions.Serial, "serial", "", "Printer serial number")
	flags.StringVar(&simulatorOptions.FirmwareVersion, "firmware-version", "", "Firmware version")
	flags.BoolVar(&simulatorOptions.Bootloader, "bootloader", false, "Start in bootloader mode")
	flags.Float64Var(&simulatorOptions.HeatRate, "heat-rate", 0, "Degrees per second the nozzle heats")
	flags.Float64Var(&simulatorOptions.LinesPerSecond, "lines-per-second", 0, "Printing speed")
	flags.Float64Var(&simulatorOptions.SpoolMM, "spool", 0, "Filament left in the spool, in mm")
	flags.StringSliceVar(&simulatorStoredFiles, "store", defaultSimulatorStoredFiles, "G-code file to store in the device SD card, can be repeated")
	flags.IntVar(&simulatorResends, "resends", defaultSimulatorResends, "Request this many resends of upcoming numbered lines")

	RootCmd.AddCommand(SimulateCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		listenAddress = defaultListenAddress
		simulatorOptions = simulator.Options{}
		simulatorStoredFiles = defaultSimulatorStoredFiles
		simulatorResends = defaultSimulatorResends
	})
}
