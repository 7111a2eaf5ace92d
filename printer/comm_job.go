package printer

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/events"
	"github.com/fornellas/printhost/protocol"
)

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Comm) startStatusPush(ctx context.Context) {
	ci, err := c.CommandInterface()
	if err != nil {
		return
	}
	if err := ci.StartPrintStatusMonitor(c.pushStatus); err != nil {
		log.MustLogger(ctx).Error("Failed to start print status monitor", "err", err)
	}
}

// StartStatusPush starts receiving print progress from the device.
func (c *Comm) StartStatusPush(ctx context.Context) {
	c.startStatusPush(ctx)
}

func (c *Comm) StopStatusPush() {
	if ci, err := c.CommandInterface(); err == nil {
		ci.StopPrintStatusMonitor()
	}
}

// StartPrint hands the print to the device and follows its preparation (transfer then heating)
// on a separate goroutine, up to the Printing state. It fails unless Operational.
func (c *Comm) StartPrint(ctx context.Context, req PrintRequest) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ci, err := c.CommandInterface()
	if err != nil {
		return err
	}
	if state := c.State(); state != StateOperational {
		return fmt.Errorf("printer: start print: %w: %s", ErrNotOperational, state)
	}

	c.SetJob(req.Path, req.Origin)
	temperature := strconv.FormatFloat(req.Temperature, 'f', -1, 64)
	switch {
	case req.Memory:
		c.setState(ctx, StateHeating)
		err = ci.RepeatLastPrint(ctx, req.Temperature)
	case req.Origin == OriginDevice:
		c.setState(ctx, StateHeating)
		name := strings.TrimPrefix(req.Path, "/")
		err = c.SendCommand(ctx, fmt.Sprintf("%s %s S%s", protocol.StartStoredPrint, name, temperature))
	default:
		c.setState(ctx, StateTransferringFile)
		err = ci.PrintFile(ctx, req.Path, req.Temperature, req.Estimated, req.Lines)
	}
	if err != nil {
		err = fmt.Errorf("printer: start print: %s: %w", filepath.Base(req.Path), err)
		c.opts.Bus.Fire(events.Error, events.Payload{events.KeyError: err.Error()})
		c.setState(ctx, StateOperational)
		return err
	}

	c.goWorker("prepare", c.prepare)
	return nil
}

func preparing(state State) bool {
	return state == StateTransferringFile || state == StateHeating
}

// prepare follows transfer and heating, then moves to Printing.
//
//gocyclo:ignore
func (c *Comm) prepare(ctx context.Context) {
	logger := log.MustLogger(ctx)
	ci := c.opts.Driver.CommandInterface()

	err := func() error {
		for {
			transferring, err := ci.IsTransferring(ctx)
			if err != nil {
				return err
			}
			if !transferring {
				break
			}
			progress, err := ci.GetTransferState(ctx)
			if err != nil {
				return err
			}
			c.opts.Callback.OnPreparationProgress(ctx, progress)
			if err := sleep(ctx, c.opts.PrepareInterval); err != nil {
				return err
			}
			if !preparing(c.State()) {
				return nil
			}
		}

		c.opts.Callback.OnResetPrintProgress(ctx)
		c.setState(ctx, StateHeating)

		var progress float64
		for {
			heating, err := ci.IsHeating(ctx)
			if err != nil {
				return err
			}
			if !heating {
				break
			}
			p, err := ci.GetHeatingProgress(ctx)
			if err != nil {
				return err
			}
			if p > progress {
				progress = p
			}
			c.opts.Callback.OnPreparationProgress(ctx, progress)
			if err := sleep(ctx, c.opts.PrepareInterval); err != nil {
				return err
			}
			if !preparing(c.State()) {
				return nil
			}
		}
		c.opts.Callback.OnPreparationProgress(ctx, 1)
		return nil
	}()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Error("Print preparation failed", "err", err)
		c.opts.Bus.Fire(events.Error, events.Payload{events.KeyError: err.Error()})
		c.setState(ctx, StateOperational)
		return
	}
	if c.State() != StateHeating {
		logger.Info("Print preparation interrupted")
		return
	}

	c.setState(ctx, StatePrinting)
	c.opts.Bus.Fire(events.PrintStarted, c.jobPayload())
	c.startStatusPush(ctx)
}

// resume waits for the device to finish resuming, then moves to Printing.
func (c *Comm) resume(ctx context.Context) {
	logger := log.MustLogger(ctx)
	ci := c.opts.Driver.CommandInterface()

	for {
		resuming, err := ci.IsResuming(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("Resume failed", "err", err)
			c.opts.Bus.Fire(events.Error, events.Payload{events.KeyError: err.Error()})
			return
		}
		if !resuming {
			break
		}
		if err := sleep(ctx, c.opts.PrepareInterval); err != nil {
			return
		}
		if c.State() != StateResuming {
			logger.Info("Resume interrupted")
			return
		}
	}

	c.setState(ctx, StatePrinting)
	c.opts.Bus.Fire(events.PrintResumed, c.jobPayload())
	c.startStatusPush(ctx)
}

// SetPause pauses a print when Printing, or resumes it when Paused or Shutdown. In any other
// state nothing is done.
func (c *Comm) SetPause(ctx context.Context, pause bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.setPause(ctx, pause)
}

// TogglePause pauses when Printing and resumes when Paused.
func (c *Comm) TogglePause(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	switch c.State() {
	case StatePrinting:
		return c.setPause(ctx, true)
	case StatePaused:
		return c.setPause(ctx, false)
	}
	return nil
}

func (c *Comm) setPause(ctx context.Context, pause bool) error {
	ci, err := c.CommandInterface()
	if err != nil {
		return err
	}
	state := c.State()
	switch {
	case !pause && (state == StatePaused || state == StateShutdown):
		if err := ci.ResumePrint(ctx); err != nil {
			return fmt.Errorf("printer: resume: %w", err)
		}
		c.setState(ctx, StateResuming)
		c.goWorker("resume", c.resume)
	case pause && state == StatePrinting:
		if err := ci.PausePrint(ctx); err != nil {
			return fmt.Errorf("printer: pause: %w", err)
		}
		c.setState(ctx, StatePaused)
		c.opts.Bus.Fire(events.PrintPaused, c.jobPayload())
	}
	return nil
}

// CancelPrint asks the device to cancel the print and goes back to Operational without waiting
// for it to stop.
func (c *Comm) CancelPrint(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ci, err := c.CommandInterface()
	if err != nil {
		return err
	}
	if !c.IsBusy() {
		return ErrNotPrinting
	}

	ci.StopPrintStatusMonitor()
	err = ci.CancelPrint(ctx)
	c.statuses.Clear()
	c.setState(ctx, StateOperational)
	if err != nil {
		return fmt.Errorf("printer: cancel print: %w", err)
	}
	return nil
}

// EnterShutdown asks the device to save the print and power down.
func (c *Comm) EnterShutdown(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ci, err := c.CommandInterface()
	if err != nil {
		return err
	}
	if state := c.State(); state != StatePrinting && state != StatePaused {
		return fmt.Errorf("printer: shutdown: %w: %s", ErrNotPrinting, state)
	}
	ci.StopPrintStatusMonitor()
	if err := ci.EnterShutdown(ctx); err != nil {
		return fmt.Errorf("printer: shutdown: %w", err)
	}
	c.setState(ctx, StateShutdown)
	c.opts.Bus.Fire(events.PowerOff, c.jobPayload())
	return nil
}

// ForceShutdown moves to Shutdown after the device was found powered down mid print. It returns
// false when the state was not changed.
func (c *Comm) ForceShutdown(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	state := c.State()
	if state == StateShutdown || !state.IsOperational() {
		return false
	}
	c.StopStatusPush()
	c.setState(ctx, StateShutdown)
	return true
}

// PrintFinished goes back to Operational after the device completed the print.
func (c *Comm) PrintFinished(ctx context.Context) {
	c.opMu.Lock()
	c.StopStatusPush()
	c.setState(ctx, StateOperational)
	c.opMu.Unlock()
	c.opts.Callback.OnPrintJobDone(ctx)
}

// StartHeating heats the nozzle for loading or unloading filament.
func (c *Comm) StartHeating(ctx context.Context, target float64) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ci, err := c.CommandInterface()
	if err != nil {
		return err
	}
	if state := c.State(); state != StateOperational {
		return fmt.Errorf("printer: start heating: %w: %s", ErrNotOperational, state)
	}
	c.setState(ctx, StateHeating)
	if err := ci.StartHeating(ctx, target); err != nil {
		c.setState(ctx, StateOperational)
		return fmt.Errorf("printer: start heating: %w", err)
	}
	return nil
}

func (c *Comm) CancelHeating(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ci, err := c.CommandInterface()
	if err != nil {
		return err
	}
	c.setState(ctx, StateOperational)
	if err := ci.CancelHeating(ctx); err != nil {
		return fmt.Errorf("printer: cancel heating: %w", err)
	}
	return nil
}
