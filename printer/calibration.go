package printer

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"

	"github.com/fornellas/slogxt/log"
)

//go:embed calibration.gcode
var calibrationGCode []byte

const calibrationTestFile = "BEETHEFIRST_calib_test.gcode"

// StartCalibration starts the bed calibration. repeat starts it again from the first point.
func (p *Printer) StartCalibration(ctx context.Context, repeat bool) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	if err := ci.StartCalibration(ctx, repeat); err != nil {
		return fmt.Errorf("printer: calibration: %w", err)
	}
	return nil
}

// NextCalibrationStep moves to the next calibration point.
func (p *Printer) NextCalibrationStep(ctx context.Context) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	if err := ci.GoToNextCalibrationPoint(ctx); err != nil {
		return fmt.Errorf("printer: calibration: %w", err)
	}
	return nil
}

// StartCalibrationTest prints a first layer test pattern. The pattern file is removed once the
// print ends.
func (p *Printer) StartCalibrationTest(ctx context.Context) error {
	path, err := p.opts.Files.Write(calibrationTestFile, bytes.NewReader(calibrationGCode))
	if err != nil {
		return fmt.Errorf("printer: calibration test: %w", err)
	}
	p.jobMu.Lock()
	p.calibrationTest = path
	p.jobMu.Unlock()

	if err := p.SelectFile(ctx, path, false, false); err != nil {
		p.endCalibrationTest(ctx)
		return fmt.Errorf("printer: calibration test: %w", err)
	}
	if err := p.StartPrint(ctx, nil); err != nil {
		p.endCalibrationTest(ctx)
		return fmt.Errorf("printer: calibration test: %w", err)
	}
	return nil
}

func (p *Printer) CancelCalibrationTest(ctx context.Context) error {
	err := p.CancelPrint(ctx)
	p.endCalibrationTest(ctx)
	return err
}

func (p *Printer) RunningCalibrationTest() bool {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()
	return p.calibrationTest != ""
}

func (p *Printer) endCalibrationTest(ctx context.Context) {
	p.jobMu.Lock()
	path := p.calibrationTest
	p.calibrationTest = ""
	p.jobMu.Unlock()
	if path == "" {
		return
	}
	if err := p.opts.Files.Remove(path); err != nil {
		log.MustLogger(ctx).Error("Failed to remove calibration test", "err", err)
	}
}
