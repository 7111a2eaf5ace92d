// Package printer is the printer connection and print job control core: a connection state
// machine talking to a driver.Driver, two background monitors and the print job controller.
package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/events"
	"github.com/fornellas/printhost/files"
	"github.com/fornellas/printhost/firmware"
	"github.com/fornellas/printhost/hooks"
	"github.com/fornellas/printhost/jobs"
	"github.com/fornellas/printhost/profiles"
	"github.com/fornellas/printhost/settings"
	"github.com/fornellas/printhost/worker"
)

const messagesSize = 300

type Options struct {
	Bus      *events.Bus
	Driver   driver.Driver
	Settings *settings.Settings
	Profiles *profiles.Store
	Files    *files.Store
	Jobs     *jobs.Registry
	// Firmware may be nil, disabling firmware update checks.
	Firmware *firmware.Catalog
	// Hooks may be nil, disabling action command scripts.
	Hooks *hooks.Runner
	// Port and BaudRate are informative only.
	Port     string
	BaudRate int
	Now      func() time.Time
}

// Printer is the print host controller. A single value lives for the whole process and is
// reused across connect and disconnect cycles.
type Printer struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	comm   *Comm

	connectionMonitor *worker.Loop
	statusMonitor     *worker.Loop
	unsubscribe       []func()

	// connMu serializes Connect and Disconnect, so that a single driver handle is ever open.
	connMu sync.Mutex
	// ready is set once Connect finished synchronizing with the device.
	ready atomic.Bool

	mu             sync.Mutex
	clients        map[string]int
	profile        profiles.Printer
	firmware       string
	firmwareUpdate string
	filament       string
	messages       []string
	registered     map[string]string
	temperature    Temperature
	position       Position
	feedRate       int
	lastJog        time.Time

	jobMu            sync.Mutex
	job              *SelectedFile
	savedJob         *SelectedFile
	progress         Progress
	estimator        *estimator
	printAfterSelect bool
	analysisID       jobs.ID
	calibrationTest  string
}

// New creates a disconnected Printer. Background goroutines use ctx, and stop once Close is
// called.
func New(ctx context.Context, opts Options) (*Printer, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jobs == nil {
		opts.Jobs = jobs.NewRegistry()
	}
	ctx, _ = log.MustWithGroup(ctx, "printer")
	ctx, cancel := context.WithCancel(ctx)

	p := &Printer{
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		clients:    map[string]int{},
		registered: map[string]string{},
		progress:   newProgress(),
		estimator:  newEstimator(),
	}
	p.profile, _ = opts.Profiles.PrinterByName(defaultPrinterName)

	s := opts.Settings
	pauseTriggers, err := s.PauseTriggers()
	if err != nil {
		cancel()
		return nil, err
	}
	feedback, err := s.Feedback()
	if err != nil {
		cancel()
		return nil, err
	}
	p.comm, err = NewComm(CommOptions{
		Driver:              opts.Driver,
		Callback:            p,
		Bus:                 opts.Bus,
		Hooks:               opts.Hooks,
		Port:                opts.Port,
		BaudRate:            opts.BaudRate,
		PauseTriggers:       pauseTriggers,
		Feedback:            feedback,
		SDAlwaysAvailable:   s.Bool(settings.FeatureSDAlways),
		TemperatureInterval: s.Duration(settings.TemperatureInterval),
		PrepareInterval:     s.Duration(settings.PrepareInterval),
		PollTimeout:         s.Duration(settings.PollTimeout),
		ResendMaxRetries:    s.Int(settings.ResendMaxRetries),
		ResendBackoff:       s.Duration(settings.ResendBackoff),
		Now:                 opts.Now,
	})
	if err != nil {
		log.MustLogger(ctx).Warn("Ignoring invalid triggers", "err", err)
	}

	p.connectionMonitor = worker.NewLoop("connectionMonitor", s.Duration(settings.ConnectionInterval), true, p.tryConnect)
	p.statusMonitor = worker.NewLoop("statusMonitor", s.Duration(settings.StatusInterval), false, p.checkShutdown)

	p.unsubscribe = []func(){
		opts.Bus.Subscribe(events.ClientOpened, func(ctx context.Context, event events.Event) {
			address, _ := event.Payload[events.KeyRemoteAddress].(string)
			p.ClientConnected(ctx, address)
		}),
		opts.Bus.Subscribe(events.ClientClosed, func(ctx context.Context, event events.Event) {
			address, _ := event.Payload[events.KeyRemoteAddress].(string)
			p.ClientDisconnected(ctx, address)
		}),
		opts.Bus.Subscribe(events.PrintDone, p.onPrintDone),
		opts.Bus.Subscribe(events.PrintCancelledDeleteFile, p.onPrintCancelledDeleteFile),
	}
	return p, nil
}

func (p *Printer) clientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// ClientConnected records an attached client, and starts looking for the device if not yet
// connected. The same address may attach more than once.
func (p *Printer) ClientConnected(ctx context.Context, address string) {
	p.mu.Lock()
	p.clients[address]++
	count := len(p.clients)
	p.mu.Unlock()
	log.MustLogger(ctx).Info("Client connected", "address", address, "clients", count)

	if p.comm.State().IsClosedOrError() {
		p.connectionMonitor.Start(p.ctx)
	}
}

// ClientDisconnected forgets an attached client. The device is disconnected when no clients are
// left.
func (p *Printer) ClientDisconnected(ctx context.Context, address string) {
	p.mu.Lock()
	if p.clients[address] > 1 {
		p.clients[address]--
	} else {
		delete(p.clients, address)
	}
	count := len(p.clients)
	p.mu.Unlock()
	log.MustLogger(ctx).Info("Client disconnected", "address", address, "clients", count)

	if count > 0 {
		return
	}
	p.connectionMonitor.Stop()
	if err := p.Disconnect(ctx); err != nil {
		log.MustLogger(ctx).Warn("Disconnect failed", "err", err)
	}
}

// tryConnect connects on behalf of the connection monitor. Connect stops the monitor once
// connected, which must not cancel the connection setup.
func (p *Printer) tryConnect(ctx context.Context) (bool, error) {
	err := p.Connect(context.WithoutCancel(ctx))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNoClients):
		return true, nil
	case errors.Is(err, driver.ErrNoDevice), errors.Is(err, ErrBusy):
		return false, nil
	}
	return false, err
}

func (p *Printer) checkShutdown(ctx context.Context) (bool, error) {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return true, nil
	}
	shutdown, err := ci.IsShutdown(ctx)
	if err != nil || !shutdown {
		return false, err
	}
	resuming, err := ci.IsResuming(ctx)
	if err != nil || resuming {
		return false, err
	}
	if p.comm.ForceShutdown(ctx) {
		log.MustLogger(ctx).Warn("Device shut down")
	}
	return false, nil
}

// Connect opens the device and synchronizes with it: printer profile, firmware, homing, state
// and any job running on the device. It fails with ErrNoClients when no client is attached, and
// ErrBusy when a job is running on the current connection.
func (p *Printer) Connect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	ctx, logger := log.MustWithGroup(ctx, "connect")

	if p.clientCount() == 0 {
		return ErrNoClients
	}
	if p.comm.IsBusy() {
		return ErrBusy
	}
	p.ready.Store(false)
	p.statusMonitor.Stop()
	if state := p.comm.State(); state != StateClosed && state != StateClosedWithError {
		if err := p.comm.Close(ctx); err != nil {
			logger.Warn("Closing previous connection failed", "err", err)
		}
	}

	if err := p.comm.Open(ctx); err != nil {
		if p.clientCount() > 0 {
			p.connectionMonitor.Start(p.ctx)
		}
		return err
	}

	if err := p.onConnected(ctx); err != nil {
		logger.Error("Connection setup failed", "err", err)
		p.comm.fail(ctx, err.Error())
		closeErr := p.comm.Close(ctx)
		p.statusMonitor.Stop()
		if p.clientCount() > 0 {
			p.connectionMonitor.Start(p.ctx)
		}
		return errors.Join(fmt.Errorf("printer: connect: %w", err), closeErr)
	}

	p.statusMonitor.Start(p.ctx)
	p.connectionMonitor.Stop()
	p.ready.Store(true)
	logger.Info("Connected", "printer", p.comm.PrinterName(), "state", p.comm.State())
	return nil
}

//gocyclo:ignore
func (p *Printer) onConnected(ctx context.Context) error {
	logger := log.MustLogger(ctx)
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}

	p.selectProfile(ctx, p.comm.PrinterName())

	mode, err := ci.GetPrinterMode(ctx)
	if err != nil {
		return fmt.Errorf("printer mode: %w", err)
	}
	if mode == driver.PrinterModeBootloader {
		logger.Info("Device in bootloader mode")
		if err := p.checkFirmware(ctx, ci, true); err != nil {
			logger.Error("Firmware update failed", "err", err)
		}
		if err := ci.GoToFirmware(ctx); err != nil {
			return fmt.Errorf("go to firmware: %w", err)
		}
	} else if err := p.checkFirmware(ctx, ci, false); err != nil {
		logger.Warn("Firmware check failed", "err", err)
	}

	if p.opts.Settings.Bool(settings.HomeOnConnect) {
		ready, err := ci.IsReady(ctx)
		if err != nil {
			return fmt.Errorf("ready: %w", err)
		}
		if ready {
			if err := ci.Home(ctx); err != nil {
				return fmt.Errorf("home: %w", err)
			}
		}
	}

	if err := p.comm.UpdatePrinterState(ctx); err != nil {
		return err
	}
	p.recoverJob(ctx, ci)
	if p.comm.State() == StatePrinting {
		p.comm.StartStatusPush(ctx)
	}

	filament, err := ci.GetFilamentString(ctx)
	if err != nil {
		logger.Warn("Failed to read filament", "err", err)
	} else {
		p.mu.Lock()
		p.filament = filament
		p.mu.Unlock()
	}
	return nil
}

const defaultPrinterName = "BEETHEFIRST"

func (p *Printer) selectProfile(ctx context.Context, name string) {
	profile, ok := p.opts.Profiles.PrinterByName(name)
	if !ok {
		log.MustLogger(ctx).Warn("No profile for printer, using default", "printer", name, "default", defaultPrinterName)
		profile, _ = p.opts.Profiles.PrinterByName(defaultPrinterName)
	}
	p.mu.Lock()
	p.profile = profile
	p.mu.Unlock()
}

func (p *Printer) printerProfile() profiles.Printer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Disconnect closes the device connection. A job running on the device is remembered, so it is
// recovered by the next Connect. The device is looked for again while clients remain.
func (p *Printer) Disconnect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	ctx, _ = log.MustWithGroup(ctx, "disconnect")

	p.ready.Store(false)
	p.statusMonitor.Stop()
	busy := p.comm.IsBusy()
	p.jobMu.Lock()
	if busy && p.job != nil {
		p.savedJob = p.job.clone()
	}
	p.job = nil
	p.jobMu.Unlock()

	err := p.comm.Close(ctx)
	if p.clientCount() > 0 {
		p.connectionMonitor.Start(p.ctx)
	}
	return err
}

// Close disconnects and stops all background goroutines.
func (p *Printer) Close(ctx context.Context) error {
	for _, unsubscribe := range p.unsubscribe {
		unsubscribe()
	}
	p.connectionMonitor.Stop()
	p.statusMonitor.Stop()
	p.jobMu.Lock()
	analysisID := p.analysisID
	p.jobMu.Unlock()
	if analysisID != "" {
		p.opts.Jobs.Cancel(analysisID)
	}

	p.connMu.Lock()
	p.ready.Store(false)
	err := p.comm.Close(ctx)
	p.connMu.Unlock()

	p.cancel()
	return errors.Join(
		err,
		p.connectionMonitor.Wait(ctx),
		p.statusMonitor.Wait(ctx),
	)
}

// Ready is true once connected and synchronized with the device, until the connection is closed
// or lost.
func (p *Printer) Ready() bool {
	return p.ready.Load() && p.comm.State().IsOperational()
}

func (p *Printer) State() State {
	return p.comm.State()
}

// StateString describes the state for humans, eg: "Ready" or "Error: connection lost".
func (p *Printer) StateString() string {
	return p.comm.StateText()
}

// ErrorString returns the cause of the last error state.
func (p *Printer) ErrorString() string {
	return p.comm.ErrorValue()
}

func (p *Printer) IsBusy() bool {
	return p.comm.IsBusy()
}

func (p *Printer) StorageFiles() []StorageFile {
	return p.comm.StorageFiles()
}

// SendCommand sends a raw command to the device.
func (p *Printer) SendCommand(ctx context.Context, command string) error {
	return p.comm.SendCommand(ctx, command)
}
