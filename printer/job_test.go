package printer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/events"
	"github.com/fornellas/printhost/gcode"
	"github.com/fornellas/printhost/profiles"
	"github.com/fornellas/printhost/settings"
)

func TestDeviceFileMatches(t *testing.T) {
	for _, tc := range []struct {
		deviceName string
		path       string
		match      bool
	}{
		{"cube.gcode", "/files/cube.gcode", true},
		{"CUBE.GCODE", "/files/cube.gcode", true},
		{"my_cube.gcode", "/files/my cube.gcode", true},
		{"/files/cube.gcode", "/files/cube.gcode", true},
		{"other.gcode", "/files/cube.gcode", false},
		{"", "/files/cube.gcode", false},
		{"cube.gcode", "", false},
	} {
		t.Run(tc.deviceName+"|"+tc.path, func(t *testing.T) {
			require.Equal(t, tc.match, deviceFileMatches(tc.deviceName, tc.path))
		})
	}
}

func TestSelectedFile(t *testing.T) {
	var nilFile *SelectedFile
	require.Nil(t, nilFile.clone())
	require.Zero(t, nilFile.statisticalPrintTime())
	_, ok := nilFile.filamentLength()
	require.False(t, ok)

	file := &SelectedFile{Path: "/files/cube.gcode", Origin: OriginLocal}
	_, ok = file.filamentLength()
	require.False(t, ok)

	file.applyAnalysis(&gcode.Analysis{
		Lines: 10,
		Filament: map[string]gcode.Filament{
			"tool0": {Length: 100},
			"tool1": {Length: 20},
		},
		EstimatedPrintTime: time.Minute,
	})
	require.Equal(t, 10, file.Lines)
	length, ok := file.filamentLength()
	require.True(t, ok)
	require.Equal(t, 120.0, length)
	require.Equal(t, time.Minute, file.statisticalPrintTime())
	file.AveragePrintTime = 2 * time.Minute
	require.Equal(t, 2*time.Minute, file.statisticalPrintTime())

	c := file.clone()
	c.Filament["tool0"] = gcode.Filament{Length: 1}
	require.Equal(t, 100.0, file.Filament["tool0"].Length)

	require.Equal(t, events.Payload{
		events.KeyFile:     "/files/cube.gcode",
		events.KeyFilename: "cube.gcode",
		events.KeyOrigin:   "local",
	}, file.payload())
}

func TestPrintTemperature(t *testing.T) {
	p := &Printer{opts: Options{Settings: settings.New(), Profiles: profiles.Default()}}
	require.Equal(t, 210.0, p.printTemperature(nil))
	override := 250.0
	require.Equal(t, 250.0, p.printTemperature(&override))

	p.filament = "N301 - Natural"
	require.Equal(t, 240.0, p.printTemperature(nil))
	require.Equal(t, 230.0, p.unloadTemperature())
	zero := 0.0
	require.Equal(t, 240.0, p.printTemperature(&zero))
}

func TestUpdateProgress(t *testing.T) {
	p := &Printer{progress: newProgress(), estimator: newEstimator()}

	progress := p.updateProgress(driver.ProgressStatus{
		Elapsed:       10 * time.Second,
		ExecutedLines: 25,
		TotalLines:    100,
		Estimated:     80 * time.Second,
	})
	require.Equal(t, 0.25, progress.Completion)
	require.Equal(t, 25, progress.ExecutedLines)
	require.Equal(t, 10*time.Second, progress.PrintTime)
	require.NotNil(t, progress.TotalPrintTime)
	require.InDelta(t, 60, progress.TotalPrintTime.Seconds(), 0.001)
	require.InDelta(t, 50, progress.PrintTimeLeft.Seconds(), 0.001)

	progress = p.updateProgress(driver.ProgressStatus{Elapsed: 11 * time.Second, ExecutedLines: 10, TotalLines: 100})
	require.Equal(t, 0.25, progress.Completion)
	require.Equal(t, 25, progress.ExecutedLines)
	require.Equal(t, 11*time.Second, progress.PrintTime)

	progress = p.updateProgress(driver.ProgressStatus{Elapsed: 12 * time.Second, ExecutedLines: 200, TotalLines: 100})
	require.Equal(t, 1.0, progress.Completion)

	p.OnProgress(t.Context(), 0.5)
	require.Equal(t, 1.0, p.PrintProgress())
	p.OnResetPrintProgress(t.Context())
	require.Equal(t, -1.0, p.PrintProgress())
	p.OnProgress(t.Context(), 0.5)
	require.Equal(t, 0.5, p.PrintProgress())
	p.OnPreparationProgress(t.Context(), 0.3)
	require.Equal(t, 0.3, p.Progress().Preparation)
}

func TestCompletion(t *testing.T) {
	require.Equal(t, -1.0, completion(10, 0))
	require.Equal(t, 0.0, completion(-5, 10))
	require.Equal(t, 0.5, completion(5, 10))
	require.Equal(t, 1.0, completion(20, 10))
}

func TestFilamentArea(t *testing.T) {
	require.InDelta(t, 0.024053, filamentArea(1.75), 0.000001)
	require.InDelta(t, 0.070686, filamentArea(3), 0.000001)
}

func TestMaterialTemperature(t *testing.T) {
	p := &Printer{opts: Options{Profiles: profiles.Default()}}
	for _, tc := range []struct {
		name        string
		temperature float64
	}{
		{"", 210},
		{"A101 - Transparent", 210},
		{"P201 - Natural", 230},
		{"N301 - Natural", 230},
		{"F401 - Black", 225},
		{"generic petg", 230},
		{"unknown", 210},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.temperature, p.materialTemperature(tc.name))
		})
	}
}
