package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/printhost/events"
	iFmt "github.com/fornellas/printhost/internal/fmt"
)

const cliClient = "cli"

var printTemperature float64
var defaultPrintTemperature = 0.0

var printOnDevice bool
var defaultPrintOnDevice = false

var printFromMemory bool
var defaultPrintFromMemory = false

var progressInterval = 10 * time.Second

func temperatureOverride() *float64 {
	if printTemperature <= 0 {
		return nil
	}
	return &printTemperature
}

// startPrint starts the print selected by flags and args.
func startPrint(ctx context.Context, host *Host, args []string) error {
	temperature := temperatureOverride()
	if printFromMemory {
		if len(args) > 0 {
			return errors.New("no path must be given with --memory")
		}
		return host.Printer.PrintFromMemory(ctx, temperature)
	}
	if len(args) != 1 {
		return errors.New("path required")
	}

	path := args[0]
	if !printOnDevice {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		path, err = host.Files.Write(filepath.Base(path), f)
		if err = errors.Join(err, f.Close()); err != nil {
			return err
		}
	}
	if err := host.Printer.SelectFile(ctx, path, printOnDevice, false); err != nil {
		return err
	}
	return host.Printer.StartPrint(ctx, temperature)
}

func waitPrint(ctx context.Context, host *Host, resultCh <-chan events.Event) error {
	logger := log.MustLogger(ctx)
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case event := <-resultCh:
			if event.Type == events.PrintDone {
				logger.Info("Print done", "time", event.Payload[events.KeyTime])
				return nil
			}
			return fmt.Errorf("print %s: %v", event.Type, event.Payload)
		case <-ticker.C:
			progress := host.Printer.Progress()
			attrs := []any{
				"state", host.Printer.StateString(),
				"completion", iFmt.SprintFloat(progress.Completion*100, 1) + "%",
				"printTime", progress.PrintTime,
			}
			if progress.PrintTimeLeft != nil {
				attrs = append(attrs, "printTimeLeft", progress.PrintTimeLeft.Round(time.Second))
			}
			logger.Info("Progress", attrs...)
		case <-ctx.Done():
			logger.Warn("Cancelling print")
			if err := host.Printer.CancelPrint(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			return ctx.Err()
		}
	}
}

var PrintCmd = &cobra.Command{
	Use:   "print [path]",
	Short: "Print a g-code file and wait for it to finish.",
	Long:  "Uploads the local g-code file at path, transfers it to the printer and prints it. With --device, path names a file already stored in the printer. Interrupting cancels the print.",
	Args:  cobra.MaximumNArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) > 0 {
			ctx, _ = log.MustWithAttrs(ctx, "path", args[0])
			cmd.SetContext(ctx)
		}

		host, err := NewHost(ctx)
		if err != nil {
			return err
		}

		return host.Run(ctx, "Print", func(ctx context.Context) error {
			detach, err := host.Attach(ctx, cliClient)
			if err != nil {
				return err
			}
			defer detach()

			resultCh := make(chan events.Event, 1)
			for _, eventType := range []events.Type{events.PrintDone, events.PrintFailed, events.PrintCancelled} {
				unsubscribe := host.Bus.Subscribe(eventType, func(ctx context.Context, event events.Event) {
					select {
					case resultCh <- event:
					default:
					}
				})
				defer unsubscribe()
			}

			if err := startPrint(ctx, host, args); err != nil {
				return err
			}
			log.MustLogger(ctx).Info("Printing", "job", host.Printer.Job())
			return waitPrint(ctx, host, resultCh)
		})
	}),
}

func init() {
	AddConnectFlags(PrintCmd)
	flags := PrintCmd.PersistentFlags()
	flags.Float64VarP(&printTemperature, "temperature", "t", defaultPrintTemperature, "Nozzle temperature, default is the loaded filament one")
	flags.BoolVarP(&printOnDevice, "device", "d", defaultPrintOnDevice, "Print a file stored in the printer")
	flags.BoolVarP(&printFromMemory, "memory", "m", defaultPrintFromMemory, "Print again the file in the printer memory")

	RootCmd.AddCommand(PrintCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		printTemperature = defaultPrintTemperature
		printOnDevice = defaultPrintOnDevice
		printFromMemory = defaultPrintFromMemory
	})
}
