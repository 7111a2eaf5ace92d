package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fornellas/printhost/gcode"
)

func TestNewAnalysisReport(t *testing.T) {
	report := newAnalysisReport("cube.gcode", &gcode.Analysis{
		Lines:        120,
		SkippedLines: 2,
		Filament: map[string]gcode.Filament{
			"tool1": {Length: 10, Volume: 0.024},
			"tool0": {Length: 1000.126, Volume: 2.4053},
		},
		EstimatedPrintTime: 90 * time.Second,
	}, 1.275)

	require.Equal(t, analysisReport{
		Path:               "cube.gcode",
		Lines:              120,
		SkippedLines:       2,
		EstimatedPrintTime: "1m30s",
		Filament: []toolReport{
			{Tool: "tool0", Length: "1000.13", Volume: "2.41", Weight: "3.07"},
			{Tool: "tool1", Length: "10", Volume: "0.02", Weight: "0.03"},
		},
	}, report)
}
