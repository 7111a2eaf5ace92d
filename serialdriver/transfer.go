package serialdriver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/jobs"
	"github.com/fornellas/printhost/protocol"
)

type transfer struct {
	id    jobs.ID
	name  string
	lines []string
	sent  int
	done  chan struct{}
}

func (d *Driver) transferState() *float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transfer == nil {
		return nil
	}
	progress := 1.0
	if len(d.transfer.lines) > 0 {
		progress = float64(d.transfer.sent) / float64(len(d.transfer.lines))
	}
	return &progress
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// deviceFileName is the name the file is stored with on the device.
func deviceFileName(path string) string {
	name := strings.ReplaceAll(filepath.Base(path), " ", "_")
	return name
}

// PrintFile begins writing the file to the device and returns. The transfer continues on its own
// goroutine, which starts the print once all lines are acknowledged.
func (d *Driver) PrintFile(ctx context.Context, path string, targetTemperature float64, estimated *time.Duration, lines *int) error {
	fileLines, err := readLines(path)
	if err != nil {
		return fmt.Errorf("serialdriver: print file: %w", err)
	}
	total := len(fileLines)
	if lines != nil && *lines > 0 && *lines != total {
		log.MustLogger(ctx).Warn("Line count mismatch", "expected", *lines, "actual", total)
	}

	t := &transfer{
		id:    jobs.NewID(),
		name:  deviceFileName(path),
		lines: fileLines,
		done:  make(chan struct{}),
	}

	d.mu.Lock()
	if d.port == nil {
		d.mu.Unlock()
		return driver.ErrDisconnected
	}
	if d.transfer != nil {
		d.mu.Unlock()
		return errors.New("serialdriver: print file: a transfer is already running")
	}
	d.transfer = t
	transferCtx := d.ctx
	d.mu.Unlock()

	clearTransfer := func() {
		d.mu.Lock()
		d.transfer = nil
		d.mu.Unlock()
	}

	if err := d.checkedRun(ctx, fmt.Sprintf("%s %s L%d", protocol.BeginWrite, t.name, total)); err != nil {
		clearTransfer()
		return fmt.Errorf("serialdriver: print file: %w", err)
	}

	d.opts.Jobs.Begin(t.id, "transfer "+t.name)

	startCommand := fmt.Sprintf("%s %s S%s", protocol.StartStoredPrint, t.name, formatFloat(targetTemperature))
	if estimated != nil {
		startCommand += fmt.Sprintf(" E%d", int(estimated.Seconds()))
	}

	transferCtx, _ = log.MustWithGroupAttrs(transferCtx, "transfer", "name", t.name, "lines", total)
	go d.transferWorker(transferCtx, t, startCommand)
	return nil
}

func (d *Driver) transferWorker(ctx context.Context, t *transfer, startCommand string) {
	logger := log.MustLogger(ctx)
	defer close(t.done)
	defer d.opts.Jobs.Done(t.id)

	err := func() error {
		for i, line := range t.lines {
			if err := d.opts.Jobs.Checkpoint(t.id); err != nil {
				return err
			}
			if err := d.run(ctx, line); err != nil {
				return err
			}
			d.mu.Lock()
			t.sent = i + 1
			d.mu.Unlock()
		}
		if err := d.checkedRun(ctx, protocol.EndWrite); err != nil {
			return err
		}
		return d.opts.Jobs.Checkpoint(t.id)
	}()

	d.mu.Lock()
	d.transfer = nil
	d.mu.Unlock()

	if err != nil {
		if errors.Is(err, jobs.ErrCancelled) {
			logger.Info("Transfer cancelled")
		} else {
			logger.Error("Transfer failed", "err", err)
		}
		return
	}
	logger.Info("Transfer done")

	if err := d.checkedRun(ctx, startCommand); err != nil {
		logger.Error("Failed to start print", "err", err)
	}
}

// CancelPrint stops an ongoing transfer and cancels the print on the device.
func (d *Driver) CancelPrint(ctx context.Context) error {
	d.mu.Lock()
	t := d.transfer
	d.mu.Unlock()
	if t != nil {
		d.opts.Jobs.Cancel(t.id)
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("serialdriver: cancel print: %w", ctx.Err())
		}
	}
	return d.run(ctx, protocol.CancelPrint)
}

func (d *Driver) progress(ctx context.Context) (driver.ProgressStatus, error) {
	ok, err := d.command(ctx, protocol.PrintProgress)
	if err != nil {
		return driver.ProgressStatus{}, err
	}
	var status driver.ProgressStatus
	var errs []error
	var elapsed, estimated int
	status.ExecutedLines, err = protocol.IntField(ok, protocol.FieldExecuted)
	errs = append(errs, err)
	status.TotalLines, err = protocol.IntField(ok, protocol.FieldTotalLines)
	errs = append(errs, err)
	elapsed, err = protocol.IntField(ok, protocol.FieldElapsed)
	errs = append(errs, err)
	estimated, err = protocol.IntField(ok, protocol.FieldEstimated)
	errs = append(errs, err)
	status.Elapsed = time.Duration(elapsed) * time.Second
	status.Estimated = time.Duration(estimated) * time.Second
	return status, errors.Join(errs...)
}

// StartPrintStatusMonitor polls print progress and passes it to fn. Once the device goes back to
// ready after a print, a final status with all lines executed is passed and the monitor stops.
// Starting a running monitor is a no-op.
func (d *Driver) StartPrintStatusMonitor(fn func(driver.ProgressStatus)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return driver.ErrDisconnected
	}
	if d.monitorCancel != nil {
		return nil
	}
	d.monitorGeneration++
	generation := d.monitorGeneration
	var ctx context.Context
	ctx, d.monitorCancel = context.WithCancel(d.ctx)
	ctx, _ = log.MustWithGroup(ctx, "statusMonitor")
	go d.statusMonitor(ctx, generation, fn)
	return nil
}

func (d *Driver) StopPrintStatusMonitor() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitorCancel != nil {
		d.monitorCancel()
		d.monitorCancel = nil
	}
}

func (d *Driver) statusMonitor(ctx context.Context, generation uint64, fn func(driver.ProgressStatus)) {
	logger := log.MustLogger(ctx)
	defer func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.monitorGeneration == generation && d.monitorCancel != nil {
			d.monitorCancel()
			d.monitorCancel = nil
		}
	}()

	ticker := time.NewTicker(d.opts.StatusInterval)
	defer ticker.Stop()

	var last driver.ProgressStatus
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if d.transferState() != nil {
			continue
		}

		status, err := d.progress(ctx)
		if err != nil {
			if errors.Is(err, driver.ErrDisconnected) || ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to get print progress", "err", err)
			continue
		}
		if status.TotalLines > 0 {
			last = status
			fn(status)
			continue
		}

		ready, err := d.IsReady(ctx)
		if err != nil {
			if errors.Is(err, driver.ErrDisconnected) || ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to get status", "err", err)
			continue
		}
		if ready && last.TotalLines > 0 {
			last.ExecutedLines = last.TotalLines
			fn(last)
			return
		}
	}
}
