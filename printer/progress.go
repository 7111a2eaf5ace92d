package printer

import (
	"context"
	"math"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/driver"
)

// Progress of the current job. Completion is -1 while unknown.
type Progress struct {
	Completion    float64       `json:"completion"`
	ExecutedLines int           `json:"executedLines"`
	TotalLines    int           `json:"totalLines"`
	PrintTime     time.Duration `json:"printTime"`
	// PrintTimeLeft and TotalPrintTime are nil until estimated.
	PrintTimeLeft  *time.Duration `json:"printTimeLeft,omitempty"`
	TotalPrintTime *time.Duration `json:"totalPrintTime,omitempty"`
	// Preparation is the transfer or heating completion, from 0 to 1.
	Preparation float64 `json:"preparation"`
	// TargetTemperature is nil when no target is set.
	TargetTemperature *float64 `json:"targetTemperature,omitempty"`
}

func newProgress() Progress {
	return Progress{Completion: -1}
}

// completion returns executed over total lines, or -1 when total is unknown.
func completion(executed, total int) float64 {
	if total <= 0 {
		return -1
	}
	return math.Max(0, math.Min(1, float64(executed)/float64(total)))
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

// resetProgressLocked requires jobMu.
func (p *Printer) resetProgressLocked() {
	p.progress = newProgress()
	p.estimator = newEstimator()
}

func (p *Printer) resetProgress() {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()
	p.resetProgressLocked()
}

// statisticalPrintTime returns the best known print time of the job before it runs: the
// average of past prints, else the static analysis estimate.
func (file *SelectedFile) statisticalPrintTime() time.Duration {
	if file == nil {
		return 0
	}
	if file.AveragePrintTime > 0 {
		return file.AveragePrintTime
	}
	return file.EstimatedPrintTime
}

func (p *Printer) updateProgress(status driver.ProgressStatus) Progress {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()

	c := completion(status.ExecutedLines, status.TotalLines)
	if c > p.progress.Completion {
		p.progress.Completion = c
	}
	if status.ExecutedLines > p.progress.ExecutedLines {
		p.progress.ExecutedLines = status.ExecutedLines
	}
	p.progress.TotalLines = status.TotalLines
	p.progress.PrintTime = status.Elapsed

	statistical := p.job.statisticalPrintTime()
	if statistical == 0 {
		statistical = status.Estimated
	}
	if total, left, ok := estimateTimes(p.estimator, status.Elapsed, p.progress.Completion, statistical); ok {
		p.progress.TotalPrintTime = durationPtr(total)
		p.progress.PrintTimeLeft = durationPtr(left)
	}
	return p.progress
}

// Progress returns a snapshot of the current job progress.
func (p *Printer) Progress() Progress {
	p.jobMu.Lock()
	progress := p.progress
	p.jobMu.Unlock()

	p.mu.Lock()
	if target := p.temperature.Target; target != nil {
		progress.TargetTemperature = new(float64)
		*progress.TargetTemperature = *target
	}
	p.mu.Unlock()
	return progress
}

// PrintProgress returns the job completion, from 0 to 1, or -1 when unknown.
func (p *Printer) PrintProgress() float64 {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()
	return p.progress.Completion
}

func (p *Printer) OnProgressStatus(ctx context.Context, status driver.ProgressStatus) {
	state := p.comm.State()
	if !state.IsBusy() {
		return
	}
	progress := p.updateProgress(status)
	if progress.Completion < 1 || state != StatePrinting {
		return
	}
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return
	}
	busy, err := ci.IsPreparingOrPrinting(ctx)
	if err != nil {
		log.MustLogger(ctx).Warn("Failed to check print end", "err", err)
		return
	}
	if !busy {
		p.finishPrint(ctx)
	}
}

// OnProgress reports prints streamed from the device storage, which carry no line counts.
func (p *Printer) OnProgress(ctx context.Context, completion float64) {
	p.jobMu.Lock()
	if completion > p.progress.Completion {
		p.progress.Completion = math.Min(completion, 1)
	}
	p.jobMu.Unlock()
}

func (p *Printer) OnPreparationProgress(ctx context.Context, progress float64) {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()
	p.progress.Preparation = progress
}

func (p *Printer) OnResetPrintProgress(ctx context.Context) {
	p.resetProgress()
}

// finishPrint runs once the device completed the print.
func (p *Printer) finishPrint(ctx context.Context) {
	log.MustLogger(ctx).Info("Print finished")
	p.comm.PrintFinished(ctx)
	p.endCalibrationTest(ctx)
	p.resetProgress()
}
