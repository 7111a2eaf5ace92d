package main

import (
	"errors"
	"io"
	"os"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/printhost/gcode"
	"github.com/fornellas/printhost/protocol"
)

var stripNumber bool
var defaultStripNumber = false

var StripCmd = &cobra.Command{
	Use:   "strip path",
	Short: "Read g-code from given path and compact it by stripping spaces and comments.",
	Long:  "Compacted files are smaller, so they transfer faster to the printer storage. With --number, lines are numbered and checksummed as they are sent to the printer.",
	Args:  cobra.ExactArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		path := args[0]

		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"path", path,
			"output", outputValue,
		)
		cmd.SetContext(ctx)
		logger.Info("Running")

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, f.Close()) }()

		w, err := outputValue.WriterCloser()
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, w.Close()) }()

		var format gcode.LineFormatter
		if stripNumber {
			format = protocol.NumberLine
		}
		reader := gcode.NewParserReader(gcode.NewParser(f), format)
		if _, err := io.Copy(w, reader); err != nil {
			return err
		}
		logger.Info("Done", "lines", reader.Lines())
		return nil
	}),
}

func init() {
	AddOutputFlags(StripCmd)
	StripCmd.PersistentFlags().BoolVarP(&stripNumber, "number", "n", defaultStripNumber, "Prefix lines with line numbers and suffix them with checksums")

	RootCmd.AddCommand(StripCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		stripNumber = defaultStripNumber
	})
}
