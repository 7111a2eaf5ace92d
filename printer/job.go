package printer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/events"
	"github.com/fornellas/printhost/files"
	"github.com/fornellas/printhost/gcode"
	"github.com/fornellas/printhost/jobs"
	"github.com/fornellas/printhost/profiles"
	"github.com/fornellas/printhost/settings"
)

// memoryFile names the job the device prints again from its memory.
const memoryFile = "Memory File"

// SelectedFile is the job loaded for printing.
type SelectedFile struct {
	Path   string `json:"path"`
	Origin Origin `json:"origin"`
	Size   int64  `json:"size"`
	// EstimatedPrintTime comes from the static analysis, AveragePrintTime from past prints.
	EstimatedPrintTime time.Duration `json:"estimatedPrintTime"`
	AveragePrintTime   time.Duration `json:"averagePrintTime"`
	Lines              int           `json:"lines"`
	// Filament is the length and volume used per tool, nil until analysed.
	Filament             map[string]gcode.Filament `json:"filament,omitempty"`
	InsufficientFilament bool                      `json:"insufficientFilament"`
}

func (f *SelectedFile) clone() *SelectedFile {
	if f == nil {
		return nil
	}
	c := *f
	c.Filament = maps.Clone(f.Filament)
	return &c
}

func (f *SelectedFile) applyAnalysis(analysis *gcode.Analysis) {
	f.EstimatedPrintTime = analysis.EstimatedPrintTime
	f.Lines = analysis.Lines
	f.Filament = maps.Clone(analysis.Filament)
}

func (f *SelectedFile) filamentLength() (float64, bool) {
	if f == nil || f.Filament == nil {
		return 0, false
	}
	var length float64
	for _, filament := range f.Filament {
		length += filament.Length
	}
	return length, true
}

func (f *SelectedFile) payload() events.Payload {
	return events.Payload{
		events.KeyFile:     f.Path,
		events.KeyFilename: filepath.Base(f.Path),
		events.KeyOrigin:   string(f.Origin),
	}
}

// Job returns a copy of the selected job, nil when there's none.
func (p *Printer) Job() *SelectedFile {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()
	return p.job.clone()
}

func (p *Printer) setJob(file *SelectedFile) {
	p.jobMu.Lock()
	p.job = file
	p.jobMu.Unlock()
	if file == nil {
		p.comm.SetJob("", "")
		return
	}
	p.comm.SetJob(file.Path, file.Origin)
}

func (p *Printer) persistLastJob(ctx context.Context, path string) {
	s := p.opts.Settings
	if s.String(settings.LastPrintJobFile) == path {
		return
	}
	s.Set(settings.LastPrintJobFile, path)
	if s.Path() == "" {
		return
	}
	if err := s.Save(); err != nil {
		log.MustLogger(ctx).Warn("Failed to save last print job", "err", err)
	}
}

// SelectFile loads a job. Local files are looked up in the file store; files on the device
// storage are selected asynchronously, and reported through a FileSelected event. When
// printAfterSelect is set the print starts once selected, unless the spool is known to lack
// the filament needed.
func (p *Printer) SelectFile(ctx context.Context, path string, onDevice, printAfterSelect bool) error {
	ctx, _ = log.MustWithAttrs(ctx, "file", path)
	if _, err := p.comm.CommandInterface(); err != nil {
		return fmt.Errorf("printer: select file: %w", err)
	}
	if p.comm.IsBusy() {
		return fmt.Errorf("printer: select file: %w", ErrBusy)
	}

	if onDevice {
		p.jobMu.Lock()
		p.printAfterSelect = printAfterSelect
		p.jobMu.Unlock()
		if err := p.comm.SelectStorageFile(ctx, path); err != nil {
			return fmt.Errorf("printer: select file: %w", err)
		}
		return nil
	}

	file, err := p.selectLocal(ctx, path, false)
	if err != nil {
		return err
	}
	if !printAfterSelect {
		return nil
	}
	if file.InsufficientFilament {
		log.MustLogger(ctx).Warn("Not printing after select: insufficient filament")
		return nil
	}
	return p.StartPrint(ctx, nil)
}

// selectLocal loads a local job. Progress is kept when recovering a running print.
func (p *Printer) selectLocal(ctx context.Context, name string, recovering bool) (*SelectedFile, error) {
	store := p.opts.Files
	path := store.Path(name)
	if !store.Exists(path) {
		return nil, fmt.Errorf("printer: select file: %s: %w", name, fs.ErrNotExist)
	}
	size, err := store.Size(path)
	if err != nil {
		return nil, fmt.Errorf("printer: select file: %w", err)
	}

	file := &SelectedFile{Path: path, Origin: OriginLocal, Size: size}
	if analysis, ok := store.CachedAnalysis(path); ok {
		file.applyAnalysis(analysis)
	}
	if average, ok := store.AveragePrintTime(path, p.printerProfile().ID); ok {
		file.AveragePrintTime = average
	}
	p.checkSufficiency(ctx, file)

	p.jobMu.Lock()
	if !recovering {
		p.resetProgressLocked()
	}
	p.jobMu.Unlock()
	p.setJob(file)
	p.persistLastJob(ctx, path)
	p.opts.Bus.Fire(events.FileSelected, file.payload())
	log.MustLogger(ctx).Info("File selected", "path", path, "size", size)

	if file.Filament == nil {
		p.analyze(path)
	}
	return file.clone(), nil
}

// analyze runs the static analysis of path on the background, cancelling any analysis still
// running for a previous selection.
func (p *Printer) analyze(path string) {
	id := jobs.NewID()
	p.jobMu.Lock()
	previous := p.analysisID
	p.analysisID = id
	p.jobMu.Unlock()
	if previous != "" {
		p.opts.Jobs.Cancel(previous)
	}

	diameter := profiles.DefaultFilamentDiameter
	if filament, ok := p.filamentProfile(); ok && filament.Diameter > 0 {
		diameter = filament.Diameter
	}

	ctx, logger := log.MustWithAttrs(p.ctx, "analysis", filepath.Base(path))
	go func() {
		analysis, err := p.opts.Files.Analysis(ctx, path, id, gcode.AnalyzeOptions{FilamentDiameter: diameter})
		if err != nil {
			if errors.Is(err, jobs.ErrCancelled) {
				logger.Debug("Analysis cancelled")
			} else {
				logger.Warn("Analysis failed", "err", err)
			}
			return
		}

		p.jobMu.Lock()
		if p.analysisID == id {
			p.analysisID = ""
		}
		file := p.job.clone()
		p.jobMu.Unlock()
		if file == nil || file.Path != path {
			return
		}
		file.applyAnalysis(analysis)
		p.checkSufficiency(ctx, file)

		p.jobMu.Lock()
		if p.job != nil && p.job.Path == path {
			p.job.applyAnalysis(analysis)
			p.job.InsufficientFilament = file.InsufficientFilament
		}
		p.jobMu.Unlock()
		logger.Debug("Analysis done", "lines", analysis.Lines, "estimatedPrintTime", analysis.EstimatedPrintTime)
	}()
}

// checkSufficiency flags file when the spool holds less filament than the job needs.
func (p *Printer) checkSufficiency(ctx context.Context, file *SelectedFile) {
	if !p.opts.Settings.Bool(settings.FeatureSufficiency) || p.comm.State() == StatePrinting {
		return
	}
	needed, ok := file.filamentLength()
	if !ok {
		return
	}
	inSpool, err := p.FilamentInSpool(ctx)
	if err != nil {
		log.MustLogger(ctx).Warn("Failed to check filament in spool", "err", err)
		return
	}
	file.InsufficientFilament = needed > inSpool
}

func (p *Printer) OnFileSelected(ctx context.Context, name string, size int64) {
	p.jobMu.Lock()
	printAfterSelect := p.printAfterSelect
	p.printAfterSelect = false
	p.jobMu.Unlock()

	if name == "" {
		log.MustLogger(ctx).Warn("Device file selection failed")
		p.setJob(nil)
		return
	}

	file := &SelectedFile{Path: name, Origin: OriginDevice, Size: size}
	p.jobMu.Lock()
	p.resetProgressLocked()
	p.jobMu.Unlock()
	p.setJob(file)
	p.opts.Bus.Fire(events.FileSelected, file.payload())

	if printAfterSelect {
		p.comm.goWorker("printAfterSelect", func(ctx context.Context) {
			if err := p.StartPrint(ctx, nil); err != nil {
				log.MustLogger(ctx).Error("Print after select failed", "err", err)
			}
		})
	}
}

// UnselectFile forgets the selected job.
func (p *Printer) UnselectFile(ctx context.Context) error {
	if p.comm.IsBusy() {
		return fmt.Errorf("printer: unselect file: %w", ErrBusy)
	}
	p.unselect(ctx)
	return nil
}

func (p *Printer) unselect(ctx context.Context) {
	p.jobMu.Lock()
	p.savedJob = nil
	p.resetProgressLocked()
	p.jobMu.Unlock()
	p.setJob(nil)
	p.persistLastJob(ctx, "")
}

// deviceFileMatches tells whether the name of the file the device prints refers to path. The
// device keeps base names with spaces replaced by underscores.
func deviceFileMatches(deviceName, path string) bool {
	if deviceName == "" || path == "" {
		return false
	}
	base := filepath.Base(path)
	for _, candidate := range []string{path, base, strings.ReplaceAll(base, " ", "_")} {
		if strings.EqualFold(candidate, deviceName) {
			return true
		}
	}
	return false
}

// recoverJob selects again the job the device is running after a connect. Matching is by file
// name and best effort: an unknown device file is recovered as a bare device job.
func (p *Printer) recoverJob(ctx context.Context, ci driver.CommandInterface) {
	logger := log.MustLogger(ctx)

	p.jobMu.Lock()
	saved := p.savedJob
	p.savedJob = nil
	p.jobMu.Unlock()
	lastFile := p.opts.Settings.String(settings.LastPrintJobFile)

	switch p.comm.State() {
	case StateShutdown, StatePrinting, StatePaused, StateResuming, StateHeating:
	default:
		if lastFile != "" || saved != nil {
			p.unselect(ctx)
		}
		return
	}

	deviceName, err := ci.GetCurrentPrintFilename(ctx)
	if err != nil {
		logger.Warn("Failed to read the device print file name", "err", err)
	}

	switch {
	case saved != nil && (deviceName == "" || deviceFileMatches(deviceName, saved.Path)):
		logger.Info("Recovered job", "file", saved.Path)
		p.setJob(saved)
		return
	case lastFile != "" && (deviceName == "" || deviceFileMatches(deviceName, lastFile)):
		_, err := p.selectLocal(ctx, lastFile, true)
		if err == nil {
			logger.Info("Recovered last job", "file", lastFile)
			return
		}
		logger.Error("Failed to recover last job", "file", lastFile, "err", err)
		p.opts.Bus.Fire(events.PrintFailed, events.Payload{
			events.KeyFile:     lastFile,
			events.KeyFilename: filepath.Base(lastFile),
			events.KeyOrigin:   string(OriginLocal),
			events.KeyError:    err.Error(),
		})
	}

	if deviceName == "" {
		deviceName = memoryFile
	}
	logger.Info("Recovered unknown device job", "file", deviceName)
	p.setJob(&SelectedFile{Path: deviceName, Origin: OriginDevice})
}

// printTemperature resolves the preheat target: override, else the loaded filament profile,
// else the configured default.
func (p *Printer) printTemperature(override *float64) float64 {
	if override != nil && *override > 0 {
		return *override
	}
	if filament, ok := p.filamentProfile(); ok && filament.PrintTemperature > 0 {
		return filament.PrintTemperature
	}
	return p.opts.Settings.Float(settings.DefaultTemperature)
}

// StartPrint prints the selected job. The print is prepared asynchronously: transfer, heating
// then printing.
func (p *Printer) StartPrint(ctx context.Context, temperature *float64) error {
	p.jobMu.Lock()
	file := p.job.clone()
	p.jobMu.Unlock()
	if file == nil {
		return ErrNoFileSelected
	}
	if state := p.comm.State(); state != StateOperational {
		return fmt.Errorf("printer: start print: %w: %s", ErrNotOperational, state)
	}
	p.jobMu.Lock()
	p.estimator = newEstimator()
	p.progress = newProgress()
	p.jobMu.Unlock()

	req := PrintRequest{
		Path:        file.Path,
		Origin:      file.Origin,
		Temperature: p.printTemperature(temperature),
	}
	if estimated := file.statisticalPrintTime(); estimated > 0 {
		req.Estimated = &estimated
	}
	if file.Lines > 0 {
		lines := file.Lines
		req.Lines = &lines
	}
	ctx, _ = log.MustWithAttrs(ctx, "file", file.Path, "temperature", req.Temperature)
	log.MustLogger(ctx).Info("Starting print")
	return p.comm.StartPrint(ctx, req)
}

// PrintFromMemory prints again the last job, kept in the device memory.
func (p *Printer) PrintFromMemory(ctx context.Context, temperature *float64) error {
	if state := p.comm.State(); state != StateOperational {
		return fmt.Errorf("printer: print from memory: %w: %s", ErrNotOperational, state)
	}
	p.jobMu.Lock()
	p.resetProgressLocked()
	p.jobMu.Unlock()
	p.setJob(&SelectedFile{Path: memoryFile, Origin: OriginDevice})
	return p.comm.StartPrint(ctx, PrintRequest{
		Path:        memoryFile,
		Origin:      OriginDevice,
		Temperature: p.printTemperature(temperature),
		Memory:      true,
	})
}

// CancelPrint cancels the running job without waiting for the device to stop. The job is
// logged as failed, and the cancellation events fired.
func (p *Printer) CancelPrint(ctx context.Context) error {
	p.jobMu.Lock()
	file := p.job.clone()
	printTime := p.progress.PrintTime
	p.jobMu.Unlock()

	err := p.comm.CancelPrint(ctx)
	if errors.Is(err, ErrNotPrinting) || errors.Is(err, ErrNotConnected) {
		return err
	}

	p.jobMu.Lock()
	p.resetProgressLocked()
	p.savedJob = nil
	p.jobMu.Unlock()
	p.setJob(nil)

	if file != nil {
		if file.Origin == OriginLocal {
			if logErr := p.opts.Files.LogPrint(file.Path, p.printerProfile().ID, false, printTime); logErr != nil {
				log.MustLogger(ctx).Warn("Failed to log print", "err", logErr)
			}
		}
		payload := file.payload()
		if files.IsTemporary(file.Path) {
			p.opts.Bus.Fire(events.PrintCancelledDeleteFile, payload)
		} else {
			p.opts.Bus.Fire(events.PrintCancelled, payload)
		}
		p.opts.Bus.Fire(events.PrintFailed, payload)
	} else {
		p.opts.Bus.Fire(events.PrintCancelled, nil)
	}
	p.endCalibrationTest(ctx)
	return err
}

// TogglePause pauses when printing and resumes when paused. It does nothing in other states.
func (p *Printer) TogglePause(ctx context.Context) error {
	return p.comm.TogglePause(ctx)
}

func (p *Printer) PausePrint(ctx context.Context) error {
	return p.comm.SetPause(ctx, true)
}

// ResumePrint resumes a paused print, or one interrupted by a device shutdown.
func (p *Printer) ResumePrint(ctx context.Context) error {
	return p.comm.SetPause(ctx, false)
}

// EnterShutdown saves the running print on the device and powers it down.
func (p *Printer) EnterShutdown(ctx context.Context) error {
	return p.comm.EnterShutdown(ctx)
}

func (p *Printer) OnPrintJobDone(ctx context.Context) {
	p.jobMu.Lock()
	file := p.job.clone()
	printTime := p.progress.PrintTime
	p.jobMu.Unlock()

	payload := events.Payload{events.KeyTime: printTime.Seconds()}
	if file != nil {
		maps.Copy(payload, file.payload())
	}
	p.opts.Bus.Fire(events.PrintDone, payload)
}

func (p *Printer) onPrintDone(ctx context.Context, event events.Event) {
	path, _ := event.Payload[events.KeyFile].(string)
	origin, _ := event.Payload[events.KeyOrigin].(string)
	seconds, _ := event.Payload[events.KeyTime].(float64)

	p.jobMu.Lock()
	current := p.job != nil && p.job.Path == path
	p.savedJob = nil
	p.jobMu.Unlock()
	if current && !p.comm.IsBusy() {
		p.setJob(nil)
		p.persistLastJob(ctx, "")
	}

	if path == "" || Origin(origin) != OriginLocal {
		return
	}
	printTime := time.Duration(seconds * float64(time.Second))
	if err := p.opts.Files.LogPrint(path, p.printerProfile().ID, true, printTime); err != nil {
		log.MustLogger(ctx).Warn("Failed to log print", "err", err)
	}
	if files.IsTemporary(path) {
		if err := p.opts.Files.Remove(path); err != nil {
			log.MustLogger(ctx).Error("Failed to delete temporary file", "file", path, "err", err)
		}
	}
}

func (p *Printer) onPrintCancelledDeleteFile(ctx context.Context, event events.Event) {
	path, _ := event.Payload[events.KeyFile].(string)
	origin, _ := event.Payload[events.KeyOrigin].(string)
	if path == "" || Origin(origin) != OriginLocal {
		return
	}
	if err := p.opts.Files.Remove(path); err != nil {
		log.MustLogger(ctx).Error("Failed to delete temporary file", "file", path, "err", err)
	}
}
