package main

import (
	"errors"
	"maps"
	"os"
	"slices"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/printhost/gcode"
	iFmt "github.com/fornellas/printhost/internal/fmt"
)

var analyzeOptions gcode.AnalyzeOptions

var filamentDensity float64
var defaultFilamentDensity = 1.275

type toolReport struct {
	Tool string `yaml:"tool"`
	// Length in mm.
	Length string `yaml:"length"`
	// Volume in cm³.
	Volume string `yaml:"volume"`
	// Weight in g.
	Weight string `yaml:"weight"`
}

type analysisReport struct {
	Path               string       `yaml:"path"`
	Lines              int          `yaml:"lines"`
	SkippedLines       int          `yaml:"skippedLines"`
	EstimatedPrintTime string       `yaml:"estimatedPrintTime"`
	Filament           []toolReport `yaml:"filament"`
}

func newAnalysisReport(path string, analysis *gcode.Analysis, density float64) analysisReport {
	report := analysisReport{
		Path:               path,
		Lines:              analysis.Lines,
		SkippedLines:       analysis.SkippedLines,
		EstimatedPrintTime: analysis.EstimatedPrintTime.String(),
		Filament:           []toolReport{},
	}
	for _, tool := range slices.Sorted(maps.Keys(analysis.Filament)) {
		filament := analysis.Filament[tool]
		report.Filament = append(report.Filament, toolReport{
			Tool:   tool,
			Length: iFmt.SprintFloat(filament.Length, 2),
			Volume: iFmt.SprintFloat(filament.Volume, 2),
			Weight: iFmt.SprintFloat(filament.Volume*density, 2),
		})
	}
	return report
}

var AnalyzeCmd = &cobra.Command{
	Use:   "analyze path",
	Short: "Estimate print time and filament usage of a g-code file.",
	Args:  cobra.ExactArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		path := args[0]

		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"path", path,
			"output", outputValue,
		)
		cmd.SetContext(ctx)
		logger.Info("Analyzing")

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, f.Close()) }()

		analysis, err := gcode.Analyze(ctx, f, analyzeOptions)
		if err != nil {
			return err
		}

		return writeYaml(newAnalysisReport(path, analysis, filamentDensity))
	}),
}

func init() {
	AddOutputFlags(AnalyzeCmd)
	flags := AnalyzeCmd.PersistentFlags()
	flags.Float64Var(&analyzeOptions.FilamentDiameter, "filament-diameter", 1.75, "Filament diameter in mm")
	flags.Float64Var(&filamentDensity, "filament-density", defaultFilamentDensity, "Filament density in g/cm³")
	flags.Float64Var(&analyzeOptions.Acceleration, "acceleration", 500, "Acceleration in mm/s²")
	flags.Float64Var(&analyzeOptions.Feedrate, "feedrate", 3000, "Feedrate in mm/min used until the file sets one")

	RootCmd.AddCommand(AnalyzeCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		analyzeOptions = gcode.AnalyzeOptions{}
		filamentDensity = defaultFilamentDensity
	})
}
