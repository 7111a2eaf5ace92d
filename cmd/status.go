package main

import (
	"context"
	"errors"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	iFmt "github.com/fornellas/printhost/internal/fmt"
	"github.com/fornellas/printhost/printer"
)

func writeYaml(value any) (err error) {
	w, err := outputValue.WriterCloser()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, w.Close()) }()

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(value); err != nil {
		return err
	}
	return encoder.Close()
}

type statusReport struct {
	printer.Data `yaml:",inline"`
	Nozzle       string `yaml:"nozzle,omitempty"`
	// SpoolWeight in g.
	SpoolWeight string `yaml:"spoolWeight,omitempty"`
}

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to the printer and report its state.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		host, err := NewHost(ctx)
		if err != nil {
			return err
		}

		return host.Run(ctx, "Status", func(ctx context.Context) error {
			detach, err := host.Attach(ctx, cliClient)
			if err != nil {
				return err
			}
			defer detach()

			if _, err := host.Printer.CurrentTemperature(ctx); err != nil {
				return err
			}
			report := statusReport{
				Data:   host.Printer.CurrentData(),
				Nozzle: host.Printer.NozzleTypeString(ctx),
			}
			if grams, err := host.Printer.FilamentWeightInSpool(ctx); err == nil {
				report.SpoolWeight = iFmt.SprintFloat(grams, 1)
			} else {
				log.MustLogger(ctx).Warn("Failed to read filament in spool", "err", err)
			}
			return writeYaml(report)
		})
	}),
}

func init() {
	AddConnectFlags(StatusCmd)
	AddOutputFlags(StatusCmd)

	RootCmd.AddCommand(StatusCmd)
}
