package printer

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/events"
	"github.com/fornellas/printhost/hooks"
)

var (
	temperatureRegexp = regexp.MustCompile(`(?:^|\s)T:\s*(-?\d+(?:\.\d+)?)(?:\s*/\s*(-?\d+(?:\.\d+)?))?`)
	positionRegexp    = regexp.MustCompile(`X:\s*(-?\d+(?:\.\d+)?)\s+Y:\s*(-?\d+(?:\.\d+)?)\s+Z:\s*(-?\d+(?:\.\d+)?)`)
	sdPrintingRegexp  = regexp.MustCompile(`SD printing byte (\d+)/(\d+)`)
	fileOpenedRegexp  = regexp.MustCompile(`File opened:\s*(.*?)\s+Size:\s*(\d+)`)
	fileEntryRegexp   = regexp.MustCompile(`^(\S+)\s+(\d+)$`)
)

// protocolComplaints are device errors about line transmission, answered by resends.
var protocolComplaints = []string{
	"checksum mismatch",
	"line number is not last line number",
	"expected line",
	"no line number with checksum",
	"no checksum with line number",
	"missing checksum",
}

const actionPrefix = "//action:"

func (c *Comm) pumpWorker(ctx context.Context, messages <-chan string) {
	defer c.wg.Done()
	ctx, logger := log.MustWithGroup(ctx, "pump")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-messages:
			if !ok {
				if ctx.Err() == nil {
					logger.Error("Device messages closed")
					c.fail(ctx, "connection lost")
					c.opts.Bus.Fire(events.Disconnected, nil)
				}
				return
			}
			c.responses.Put(line)
		}
	}
}

// dispatchWorker handles device lines and print progress in the order they were received.
func (c *Comm) dispatchWorker(ctx context.Context) {
	defer c.wg.Done()
	ctx, logger := log.MustWithGroup(ctx, "dispatch")
	logger.Debug("Starting")
	defer logger.Debug("Stopped")

	for {
		line, ok, err := c.responses.Get(ctx, c.opts.PollTimeout)
		if err != nil {
			return
		}
		if ok && !c.safely(ctx, func() { c.handleLine(ctx, line) }) {
			return
		}
		for {
			status, ok := c.statuses.TryGet()
			if !ok {
				break
			}
			if !c.safely(ctx, func() { c.opts.Callback.OnProgressStatus(ctx, status) }) {
				return
			}
		}
	}
}

// safely runs fn, moving to the Error state if it panics.
func (c *Comm) safely(ctx context.Context, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.MustLogger(ctx).Error("Dispatch panic", "recovered", r, "stack", string(debug.Stack()))
			c.fail(ctx, fmt.Sprintf("%v", r))
			ok = false
		}
	}()
	fn()
	return true
}

func isDeviceError(line string) bool {
	return strings.HasPrefix(line, "Error:") || strings.HasPrefix(line, "!!")
}

func isProtocolComplaint(line string) bool {
	lower := strings.ToLower(line)
	for _, complaint := range protocolComplaints {
		if strings.Contains(lower, complaint) {
			return true
		}
	}
	return false
}

//gocyclo:ignore
func (c *Comm) handleLine(ctx context.Context, line string) {
	logger := log.MustLogger(ctx)
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if action, ok := strings.CutPrefix(line, actionPrefix); ok {
		c.handleAction(ctx, strings.TrimSpace(action))
		return
	}

	if isDeviceError(line) {
		if isProtocolComplaint(line) {
			logger.Debug("Transmission error", "line", line)
			return
		}
		message := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "Error:"), "!!"))
		logger.Warn("Device error", "error", message)
		c.opts.Bus.Fire(events.Error, events.Payload{events.KeyError: message})
		return
	}

	if line == "ok" {
		return
	}

	handled := false
	if match := temperatureRegexp.FindStringSubmatch(line); match != nil {
		c.handleTemperature(ctx, match)
		handled = true
	}
	if match := positionRegexp.FindStringSubmatch(line); match != nil {
		c.handlePosition(ctx, match)
		handled = true
	}
	if handled {
		return
	}

	if c.handleStorage(ctx, line) {
		return
	}

	if c.triggers.matchFeedback(line, func(key, message string) {
		c.opts.Callback.OnRegisteredMessage(ctx, key, message)
	}) {
		return
	}

	if action, ok := c.triggers.matchPause(line); ok {
		c.handlePauseTrigger(ctx, action)
		return
	}

	if strings.HasPrefix(line, "ok ") {
		return
	}

	if strings.HasPrefix(strings.ToLower(line), "resend") || strings.HasPrefix(strings.ToLower(line), "rs ") {
		c.handleResend(ctx, line)
		return
	}

	c.opts.Callback.OnMessage(ctx, line)
}

func parseFloats(values ...string) ([]float64, error) {
	floats := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		floats[i] = f
	}
	return floats, nil
}

func (c *Comm) handleTemperature(ctx context.Context, match []string) {
	values := []string{match[1]}
	if match[2] != "" {
		values = append(values, match[2])
	}
	floats, err := parseFloats(values...)
	if err != nil {
		log.MustLogger(ctx).Warn("Malformed temperature", "line", match[0], "err", err)
		return
	}
	var target float64
	if len(floats) > 1 {
		target = floats[1]
	}
	c.opts.Callback.OnTemperatureUpdate(ctx, floats[0], target)
}

func (c *Comm) handlePosition(ctx context.Context, match []string) {
	floats, err := parseFloats(match[1:]...)
	if err != nil {
		log.MustLogger(ctx).Warn("Malformed position", "line", match[0], "err", err)
		return
	}
	c.opts.Callback.OnPositionUpdate(ctx, Position{X: floats[0], Y: floats[1], Z: floats[2]})
}

//gocyclo:ignore
func (c *Comm) handleStorage(ctx context.Context, line string) bool {
	logger := log.MustLogger(ctx)

	c.mu.Lock()
	isListing := c.isListing
	c.mu.Unlock()

	switch {
	case strings.Contains(line, "Begin file list"):
		c.mu.Lock()
		c.isListing = true
		c.listing = nil
		c.mu.Unlock()
	case strings.Contains(line, "End file list"):
		c.mu.Lock()
		c.isListing = false
		c.sdFiles = c.listing
		c.listing = nil
		c.mu.Unlock()
	case isListing:
		match := fileEntryRegexp.FindStringSubmatch(line)
		if match == nil {
			logger.Warn("Malformed file list entry", "line", line)
			return true
		}
		size, err := strconv.ParseInt(match[2], 10, 64)
		if err != nil {
			logger.Warn("Malformed file list entry", "line", line, "err", err)
			return true
		}
		c.mu.Lock()
		c.listing = append(c.listing, StorageFile{Name: match[1], Size: size})
		c.mu.Unlock()
	case strings.Contains(line, "SD init fail"),
		strings.Contains(line, "volume.init failed"),
		strings.Contains(line, "openRoot failed"):
		c.setSDReady(ctx, false)
	case strings.Contains(line, "SD card ok"):
		c.setSDReady(ctx, true)
		if err := c.RefreshStorage(ctx); err != nil {
			logger.Warn("Failed to list storage files", "err", err)
		}
	case fileOpenedRegexp.MatchString(line):
		match := fileOpenedRegexp.FindStringSubmatch(line)
		size, err := strconv.ParseInt(match[2], 10, 64)
		if err != nil {
			logger.Warn("Malformed file opened line", "line", line, "err", err)
			return true
		}
		c.mu.Lock()
		c.pendingFile = &StorageFile{Name: match[1], Size: size}
		c.mu.Unlock()
	case strings.Contains(line, "open failed"):
		c.mu.Lock()
		c.pendingFile = nil
		c.mu.Unlock()
		c.opts.Callback.OnFileSelected(ctx, "", 0)
	case strings.Contains(line, "File selected"):
		c.mu.Lock()
		file := c.pendingFile
		c.pendingFile = nil
		c.mu.Unlock()
		if file != nil {
			c.opts.Callback.OnFileSelected(ctx, file.Name, file.Size)
		}
	case strings.Contains(line, "Writing to file"):
		logger.Debug("Device writing file", "line", line)
	case strings.Contains(line, "Done saving file"):
		if err := c.RefreshStorage(ctx); err != nil {
			logger.Warn("Failed to list storage files", "err", err)
		}
	case sdPrintingRegexp.MatchString(line):
		match := sdPrintingRegexp.FindStringSubmatch(line)
		current, err1 := strconv.ParseInt(match[1], 10, 64)
		total, err2 := strconv.ParseInt(match[2], 10, 64)
		if err1 != nil || err2 != nil {
			logger.Warn("Malformed storage progress", "line", line)
			return true
		}
		c.mu.Lock()
		c.sdPrinting = true
		c.mu.Unlock()
		if total > 0 {
			c.opts.Callback.OnProgress(ctx, float64(current)/float64(total))
		}
	case strings.Contains(line, "Not SD printing"):
		c.mu.Lock()
		wasPrinting := c.sdPrinting
		c.sdPrinting = false
		c.mu.Unlock()
		if wasPrinting && c.State() == StatePrinting {
			c.setState(ctx, StateOperational)
		}
	default:
		return false
	}
	return true
}

func (c *Comm) handlePauseTrigger(ctx context.Context, action pauseAction) {
	var err error
	switch action {
	case pauseEnable:
		err = c.SetPause(ctx, true)
	case pauseDisable:
		err = c.SetPause(ctx, false)
	case pauseToggle:
		err = c.TogglePause(ctx)
	default:
		panic(fmt.Sprintf("bug: unknown pause action %d", action))
	}
	if err != nil {
		log.MustLogger(ctx).Warn("Pause trigger failed", "err", err)
	}
}

func (c *Comm) handleAction(ctx context.Context, action string) {
	ctx, logger := log.MustWithAttrs(ctx, "action", action)
	logger.Info("Action command")

	var err error
	switch action {
	case "pause":
		err = c.SetPause(ctx, true)
	case "resume":
		err = c.SetPause(ctx, false)
	case "disconnect":
		c.opts.Callback.OnForceDisconnect(ctx)
	default:
		if !c.opts.Hooks.Has(action) {
			logger.Warn("Unknown action")
			return
		}
		job := c.jobPayload()
		file, _ := job[events.KeyFile].(string)
		env := map[string]string{
			hooks.EnvPrinter: c.opts.Driver.PrinterName(),
			hooks.EnvState:   c.State().String(),
			hooks.EnvFile:    file,
		}
		c.goWorker("hook", func(ctx context.Context) {
			if err := c.opts.Hooks.Run(ctx, action, env); err != nil {
				log.MustLogger(ctx).Error("Action hook failed", "action", action, "err", err)
			}
		})
	}
	if err != nil {
		logger.Warn("Action failed", "err", err)
	}
}

func (c *Comm) pushStatus(status driver.ProgressStatus) {
	c.statuses.Put(status)
}
