package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/events"
	"github.com/fornellas/printhost/hooks"
	"github.com/fornellas/printhost/protocol"
	"github.com/fornellas/printhost/queue"
	"github.com/fornellas/printhost/settings"
	"github.com/fornellas/printhost/worker"
)

// Origin of a print job file.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginDevice Origin = "sdcard"
)

// StorageFile is a file stored on the device.
type StorageFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// PrintRequest describes the print to start.
type PrintRequest struct {
	Path        string
	Origin      Origin
	Temperature float64
	Estimated   *time.Duration
	Lines       *int
	// Memory prints again the last file printed, which the device keeps in its memory.
	Memory bool
}

type CommOptions struct {
	Driver   driver.Driver
	Callback Callback
	Bus      *events.Bus
	// Hooks runs scripts for action commands. It may be nil.
	Hooks *hooks.Runner
	// Port and BaudRate are reported with the Connected event.
	Port     string
	BaudRate int

	PauseTriggers     []settings.PauseTrigger
	Feedback          []settings.Feedback
	SDAlwaysAvailable bool

	TemperatureInterval time.Duration
	PrepareInterval     time.Duration
	PollTimeout         time.Duration
	ResendMaxRetries    int
	ResendBackoff       time.Duration

	Now func() time.Time
}

func (o *CommOptions) setDefaults() {
	if o.TemperatureInterval == 0 {
		o.TemperatureInterval = 4 * time.Second
	}
	if o.PrepareInterval == 0 {
		o.PrepareInterval = time.Second
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 200 * time.Millisecond
	}
	if o.ResendMaxRetries == 0 {
		o.ResendMaxRetries = 3
	}
	if o.ResendBackoff == 0 {
		o.ResendBackoff = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

var longCommands = map[string]bool{
	"G28":  true,
	"G29":  true,
	"M109": true,
	"M190": true,
}

func isLongCommand(command string) bool {
	word, _, _ := strings.Cut(strings.TrimSpace(command), " ")
	return longCommands[strings.ToUpper(word)]
}

// Comm owns the connection with the device: the driver handle, the connection state, and the
// goroutines dispatching device lines to a Callback.
type Comm struct {
	opts            CommOptions
	triggers        *triggers
	resend          *resendTracker
	responses       *queue.Queue[string]
	statuses        *queue.Queue[driver.ProgressStatus]
	temperaturePoll *worker.Loop

	// sendMu serializes numbered commands, so line numbers reach the device in order.
	sendMu sync.Mutex
	// opMu serializes control operations.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	errorValue  string
	sdReady     bool
	sdFiles     []StorageFile
	listing     []StorageFile
	isListing   bool
	pendingFile *StorageFile
	sdPrinting  bool
	longRunning bool
	job         events.Payload
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewComm creates a closed Comm. Invalid triggers are reported, and the valid ones kept.
func NewComm(opts CommOptions) (*Comm, error) {
	opts.setDefaults()
	t, err := newTriggers(opts.PauseTriggers, opts.Feedback)
	c := &Comm{
		opts:      opts,
		triggers:  t,
		resend:    newResendTracker(opts.ResendMaxRetries, opts.ResendBackoff, opts.Now),
		responses: queue.New[string](),
		statuses:  queue.New[driver.ProgressStatus](),
		state:     StateClosed,
	}
	c.temperaturePoll = worker.NewLoop("temperature", opts.TemperatureInterval, false, c.pollTemperature)
	return c, err
}

func (c *Comm) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrorValue returns the cause of the last error state.
func (c *Comm) ErrorValue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorValue
}

func (c *Comm) StateText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting && c.ctx == nil {
		return "Connecting..."
	}
	return c.state.Text(c.errorValue)
}

func (c *Comm) SDReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sdReady
}

// StorageFiles returns the files listed on the device storage.
func (c *Comm) StorageFiles() []StorageFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StorageFile(nil), c.sdFiles...)
}

func (c *Comm) IsBusy() bool {
	return c.State().IsBusy()
}

func (c *Comm) PrinterName() string {
	return c.opts.Driver.PrinterName()
}

func (c *Comm) setState(ctx context.Context, state State) {
	c.mu.Lock()
	from := c.state
	if from == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	// Connection attempts repeat every monitor interval while no device is plugged.
	level := slog.LevelInfo
	if state == StateConnecting || (from == StateConnecting && state == StateClosed) {
		level = slog.LevelDebug
	}
	log.MustLogger(ctx).Log(ctx, level, "State changed", "from", from, "to", state)
	c.opts.Callback.OnStateChange(ctx, from, state)
}

// fail moves to the Error state with cause.
func (c *Comm) fail(ctx context.Context, cause string) {
	log.MustLogger(ctx).Error("Connection error", "cause", cause)
	c.mu.Lock()
	c.errorValue = cause
	c.mu.Unlock()
	c.setState(ctx, StateError)
	c.opts.Bus.Fire(events.Error, events.Payload{events.KeyError: cause})
}

func (c *Comm) setSDReady(ctx context.Context, ready bool) {
	ready = ready || c.opts.SDAlwaysAvailable
	c.mu.Lock()
	changed := c.sdReady != ready
	c.sdReady = ready
	c.mu.Unlock()
	if changed {
		c.opts.Callback.OnStorageStateChange(ctx, ready)
	}
}

// SetJob sets the file reported with print events. An empty path clears it.
func (c *Comm) SetJob(path string, origin Origin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path == "" {
		c.job = nil
		return
	}
	c.job = events.Payload{
		events.KeyFile:     path,
		events.KeyFilename: filepath.Base(path),
		events.KeyOrigin:   string(origin),
	}
}

func (c *Comm) jobPayload() events.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload := events.Payload{}
	for k, v := range c.job {
		payload[k] = v
	}
	return payload
}

// workerContext returns the context of the open connection, or nil when closed.
func (c *Comm) workerContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// CommandInterface returns the device commands, or ErrNotConnected when closed.
func (c *Comm) CommandInterface() (driver.CommandInterface, error) {
	if c.workerContext() == nil {
		return nil, ErrNotConnected
	}
	return c.opts.Driver.CommandInterface(), nil
}

// goWorker runs fn on its own goroutine with the connection context. It does nothing when
// closed.
func (c *Comm) goWorker(name string, fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return
	}
	ctx, _ := log.MustWithGroup(c.ctx, name)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

// Open connects the driver and starts dispatching device lines. When no device is found,
// driver.ErrNoDevice is returned and the state goes back to Closed; other failures move to the
// Error state.
func (c *Comm) Open(ctx context.Context) error {
	ctx, logger := log.MustWithGroup(ctx, "comm")

	if c.workerContext() != nil {
		return errors.New("printer: open: already open")
	}

	c.setState(ctx, StateConnecting)
	if err := c.opts.Driver.Connect(ctx); err != nil {
		if errors.Is(err, driver.ErrNoDevice) {
			logger.Debug("No device")
			c.setState(ctx, StateClosed)
			return err
		}
		c.fail(ctx, err.Error())
		c.opts.Bus.Fire(events.Disconnected, nil)
		return fmt.Errorf("printer: open: %w", err)
	}

	c.resend.reset()
	c.responses.Clear()
	c.statuses.Clear()

	ci := c.opts.Driver.CommandInterface()
	if _, err := ci.SendCommand(ctx, protocol.SetLineNumber+" N0"); err != nil {
		c.fail(ctx, err.Error())
		c.opts.Bus.Fire(events.Disconnected, nil)
		return errors.Join(
			fmt.Errorf("printer: open: reset line number: %w", err),
			c.opts.Driver.Disconnect(ctx),
		)
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages := c.opts.Driver.Messages()
	c.mu.Lock()
	c.ctx = workerCtx
	c.cancel = cancel
	c.errorValue = ""
	c.sdFiles = nil
	c.pendingFile = nil
	c.sdPrinting = false
	c.wg.Add(2)
	c.mu.Unlock()

	go c.pumpWorker(workerCtx, messages)
	go c.dispatchWorker(workerCtx)
	c.temperaturePoll.Start(workerCtx)

	c.setSDReady(ctx, false)
	c.setState(ctx, StateOperational)
	c.opts.Bus.Fire(events.Connected, events.Payload{
		events.KeyPort:        c.opts.Port,
		events.KeyBaudrate:    c.opts.BaudRate,
		events.KeyPrinterName: c.opts.Driver.PrinterName(),
	})

	if !c.opts.SDAlwaysAvailable {
		if err := c.SendCommand(ctx, protocol.InitStorage); err != nil {
			logger.Warn("Storage initialization failed", "err", err)
		}
	}
	return nil
}

// Close stops all goroutines and disconnects the driver. The state becomes Closed, or
// ClosedWithError when it was an error state.
func (c *Comm) Close(ctx context.Context) error {
	ctx, _ = log.MustWithGroup(ctx, "comm")

	c.mu.Lock()
	cancel := c.cancel
	c.ctx = nil
	c.cancel = nil
	c.mu.Unlock()

	c.temperaturePoll.Stop()
	if cancel != nil {
		cancel()
	}
	err := c.temperaturePoll.Wait(ctx)
	c.wg.Wait()

	if disconnectErr := c.opts.Driver.Disconnect(ctx); disconnectErr != nil {
		err = errors.Join(err, fmt.Errorf("printer: close: %w", disconnectErr))
	}

	if c.State().IsError() {
		c.setState(ctx, StateClosedWithError)
	} else {
		c.setState(ctx, StateClosed)
	}
	c.setSDReady(ctx, false)
	if cancel != nil {
		c.opts.Bus.Fire(events.Disconnected, nil)
	}
	return err
}

// SendCommand sends a numbered command. Reply lines are dispatched like any other device line.
func (c *Comm) SendCommand(ctx context.Context, command string) error {
	ci, err := c.CommandInterface()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if isLongCommand(command) {
		c.mu.Lock()
		c.longRunning = true
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.longRunning = false
			c.mu.Unlock()
		}()
	}

	return c.exchange(ctx, ci, c.resend.number(command))
}

func (c *Comm) exchange(ctx context.Context, ci driver.CommandInterface, line string) error {
	reply, err := ci.SendCommand(ctx, line)
	if err != nil {
		return fmt.Errorf("printer: send %q: %w", line, err)
	}
	resend := false
	for _, l := range strings.Split(reply, "\n") {
		if protocol.IsResend(l) {
			resend = true
		}
		c.responses.Put(l)
	}
	if !resend {
		c.resend.ack()
	}
	return nil
}

func (c *Comm) handleResend(ctx context.Context, line string) {
	logger := log.MustLogger(ctx)
	n, ok := protocol.ParseResend(line)
	if !ok {
		logger.Warn("Malformed resend request", "line", line)
		return
	}

	lines, err := c.resend.request(n)
	if errors.Is(err, errResendSwallowed) {
		logger.Debug("Ignoring repeated resend request", "line", n)
		return
	}
	if err != nil {
		c.fail(ctx, err.Error())
		return
	}

	ci, err := c.CommandInterface()
	if err != nil {
		return
	}

	logger.Info("Resending", "from", n, "lines", len(lines))
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.resend.sent()
	for _, l := range lines {
		if err := c.exchange(ctx, ci, l); err != nil {
			logger.Error("Resend failed", "err", err)
			return
		}
	}
}

func (c *Comm) pollTemperature(ctx context.Context) (bool, error) {
	c.mu.Lock()
	state, longRunning := c.state, c.longRunning
	c.mu.Unlock()
	if !state.IsOperational() || state == StateHeating || longRunning {
		return false, nil
	}
	return false, c.SendCommand(ctx, protocol.GetTemperature)
}

// UpdatePrinterState moves to the state matching the device activity.
func (c *Comm) UpdatePrinterState(ctx context.Context) error {
	ci, err := c.CommandInterface()
	if err != nil {
		return err
	}

	checks := []struct {
		is    func(context.Context) (bool, error)
		state State
	}{
		{ci.IsReady, StateOperational},
		{ci.IsPaused, StatePaused},
		{ci.IsShutdown, StateShutdown},
		{ci.IsPrinting, StatePrinting},
		{ci.IsResuming, StateResuming},
		{ci.IsHeating, StateHeating},
	}
	for _, check := range checks {
		ok, err := check.is(ctx)
		if err != nil {
			return fmt.Errorf("printer: update state: %w", err)
		}
		if !ok {
			continue
		}
		switch check.state {
		case StateResuming:
			c.setState(ctx, StateResuming)
			c.goWorker("resume", c.resume)
		case StateHeating:
			c.setState(ctx, StateHeating)
			c.goWorker("prepare", c.prepare)
		default:
			c.setState(ctx, check.state)
		}
		return nil
	}
	return nil
}

// SelectStorageFile selects a file stored on the device. The selection completes
// asynchronously through Callback.OnFileSelected.
func (c *Comm) SelectStorageFile(ctx context.Context, name string) error {
	c.mu.Lock()
	c.pendingFile = nil
	c.mu.Unlock()
	return c.SendCommand(ctx, protocol.SelectFile+" "+strings.TrimPrefix(name, "/"))
}

// RefreshStorage asks the device for its file list.
func (c *Comm) RefreshStorage(ctx context.Context) error {
	return c.SendCommand(ctx, protocol.ListFiles)
}
