package printer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/protocol"
)

type fakeMove struct {
	dx, dy, dz float64
	de         *float64
	feedrate   float64
}

// fakeDriver is an in memory device. Print progress only moves when the test pushes it.
type fakeDriver struct {
	mu sync.Mutex

	name       string
	connectErr error
	connected  bool
	open       int
	maxOpen    int
	connects   int
	messages   chan string

	status     protocol.Status
	printFile  string
	resends    int
	nextLine   int
	commands   []string
	monitor    func(driver.ProgressStatus)
	mode       driver.PrinterMode
	firmware   string
	flashed    []string
	filament   string
	spool      float64
	nozzle     int
	target     float64
	nozzleTemp float64
	moves      []fakeMove
	homes      []string
	cancels    int
	// onConnect runs at the start of Connect, without the lock.
	onConnect func()
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		name:       "BEETHEFIRST",
		status:     protocol.StatusReady,
		mode:       driver.PrinterModeFirmware,
		firmware:   "10.5.20",
		spool:      100000,
		nozzle:     400,
		nozzleTemp: 20,
		nextLine:   1,
	}
}

func (d *fakeDriver) Connect(context.Context) error {
	if d.onConnect != nil {
		d.onConnect()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.connectErr != nil {
		return d.connectErr
	}
	if d.connected {
		return fmt.Errorf("fake: already connected")
	}
	d.connected = true
	d.open++
	d.maxOpen = max(d.maxOpen, d.open)
	d.messages = make(chan string, 64)
	return nil
}

func (d *fakeDriver) Disconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.connected = false
	d.open--
	d.monitor = nil
	close(d.messages)
	return nil
}

func (d *fakeDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDriver) CommandInterface() driver.CommandInterface { return d }

func (d *fakeDriver) Messages() <-chan string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messages
}

func (d *fakeDriver) PrinterName() string  { return d.name }
func (d *fakeDriver) SerialNumber() string { return "0000000001" }

// push sends an unsolicited line.
func (d *fakeDriver) push(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		d.messages <- line
	}
}

// unplug closes the message channel as a failing link does.
func (d *fakeDriver) unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		d.connected = false
		d.open--
		close(d.messages)
	}
}

func (d *fakeDriver) setStatus(status protocol.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

func (d *fakeDriver) injectResend(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resends = n
}

// sentCommands returns commands received, without line numbers.
func (d *fakeDriver) sentCommands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *fakeDriver) count(command string) int {
	n := 0
	for _, c := range d.sentCommands() {
		if c == command {
			n++
		}
	}
	return n
}

// progress pushes print progress through the status monitor.
func (d *fakeDriver) progress(status driver.ProgressStatus) bool {
	d.mu.Lock()
	monitor := d.monitor
	d.mu.Unlock()
	if monitor == nil {
		return false
	}
	monitor(status)
	return true
}

func (d *fakeDriver) SendCommand(_ context.Context, line string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return "", driver.ErrDisconnected
	}
	number, command, ok, err := protocol.ParseNumberedLine(line)
	if ok {
		if d.resends > 0 || err != nil || number != d.nextLine {
			if d.resends > 0 {
				d.resends--
			}
			return fmt.Sprintf("Error:checksum mismatch, Last Line: %d\nResend: %d\nok", d.nextLine-1, d.nextLine), nil
		}
		d.nextLine++
		line = command
	}
	if strings.HasPrefix(line, protocol.SetLineNumber) {
		d.nextLine = 1
	}
	d.commands = append(d.commands, line)
	return "ok", nil
}

func (d *fakeDriver) do(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return driver.ErrDisconnected
	}
	fn()
	return nil
}

func (d *fakeDriver) Home(context.Context) error {
	return d.do(func() { d.homes = append(d.homes, "xyz") })
}

func (d *fakeDriver) HomeXY(context.Context) error {
	return d.do(func() { d.homes = append(d.homes, "xy") })
}

func (d *fakeDriver) HomeZ(context.Context) error {
	return d.do(func() { d.homes = append(d.homes, "z") })
}

func (d *fakeDriver) Move(_ context.Context, dx, dy, dz float64, de *float64, feedrate float64) error {
	return d.do(func() { d.moves = append(d.moves, fakeMove{dx, dy, dz, de, feedrate}) })
}

func (d *fakeDriver) StartHeating(_ context.Context, target float64) error {
	return d.do(func() {
		d.target = target
		d.status = protocol.StatusHeating
	})
}

func (d *fakeDriver) CancelHeating(context.Context) error {
	return d.do(func() {
		d.target = 0
		d.status = protocol.StatusReady
	})
}

func (d *fakeDriver) GetHeatingProgress(context.Context) (float64, error) {
	var progress float64
	err := d.do(func() {
		if d.target > 0 {
			progress = min(1, d.nozzleTemp/d.target)
		}
	})
	return progress, err
}

func (d *fakeDriver) GetNozzleTemperature(context.Context) (float64, error) {
	var t float64
	err := d.do(func() { t = d.nozzleTemp })
	return t, err
}

func (d *fakeDriver) GetTargetTemperature(context.Context) (float64, error) {
	var t float64
	err := d.do(func() { t = d.target })
	return t, err
}

func (d *fakeDriver) SetNozzleTemperature(_ context.Context, temperature float64) error {
	return d.do(func() { d.target = temperature })
}

func (d *fakeDriver) GoToLoadUnloadPos(context.Context) error {
	return d.do(func() { d.status = protocol.StatusReady })
}

func (d *fakeDriver) Load(context.Context) error   { return d.do(func() {}) }
func (d *fakeDriver) Unload(context.Context) error { return d.do(func() {}) }

func (d *fakeDriver) GetFilamentString(context.Context) (string, error) {
	var s string
	err := d.do(func() { s = d.filament })
	return s, err
}

func (d *fakeDriver) SetFilamentString(_ context.Context, filament string) error {
	return d.do(func() { d.filament = filament })
}

func (d *fakeDriver) GetFilamentInSpool(context.Context) (float64, error) {
	var mm float64
	err := d.do(func() { mm = d.spool })
	return mm, err
}

func (d *fakeDriver) SetFilamentInSpool(_ context.Context, mm float64) error {
	return d.do(func() { d.spool = mm })
}

func (d *fakeDriver) GetNozzleSize(context.Context) (int, error) {
	var n int
	err := d.do(func() { n = d.nozzle })
	return n, err
}

func (d *fakeDriver) SetNozzleSize(_ context.Context, microns int) error {
	return d.do(func() { d.nozzle = microns })
}

func (d *fakeDriver) StartCalibration(context.Context, bool) error   { return d.do(func() {}) }
func (d *fakeDriver) GoToNextCalibrationPoint(context.Context) error { return d.do(func() {}) }

// PrintFile skips transfer and heating: the device is printing right away.
func (d *fakeDriver) PrintFile(_ context.Context, path string, target float64, _ *time.Duration, _ *int) error {
	return d.do(func() {
		d.printFile = path[strings.LastIndex(path, "/")+1:]
		d.target = target
		d.status = protocol.StatusPrinting
	})
}

func (d *fakeDriver) RepeatLastPrint(_ context.Context, target float64) error {
	return d.do(func() {
		d.target = target
		d.status = protocol.StatusPrinting
	})
}

func (d *fakeDriver) CancelPrint(context.Context) error {
	return d.do(func() {
		d.cancels++
		d.printFile = ""
		d.status = protocol.StatusReady
	})
}

func (d *fakeDriver) PausePrint(context.Context) error {
	return d.do(func() { d.status = protocol.StatusPaused })
}

// ResumePrint goes through Resuming; tests finish resuming with setStatus.
func (d *fakeDriver) ResumePrint(context.Context) error {
	return d.do(func() { d.status = protocol.StatusResuming })
}

func (d *fakeDriver) EnterShutdown(context.Context) error {
	return d.do(func() { d.status = protocol.StatusShutdown })
}

func (d *fakeDriver) is(status protocol.Status) func(context.Context) (bool, error) {
	return func(context.Context) (bool, error) {
		var is bool
		err := d.do(func() { is = d.status == status })
		return is, err
	}
}

func (d *fakeDriver) IsReady(ctx context.Context) (bool, error) {
	return d.is(protocol.StatusReady)(ctx)
}

func (d *fakeDriver) IsPrinting(ctx context.Context) (bool, error) {
	return d.is(protocol.StatusPrinting)(ctx)
}

func (d *fakeDriver) IsPaused(ctx context.Context) (bool, error) {
	return d.is(protocol.StatusPaused)(ctx)
}

func (d *fakeDriver) IsShutdown(ctx context.Context) (bool, error) {
	return d.is(protocol.StatusShutdown)(ctx)
}

func (d *fakeDriver) IsResuming(ctx context.Context) (bool, error) {
	return d.is(protocol.StatusResuming)(ctx)
}

func (d *fakeDriver) IsHeating(ctx context.Context) (bool, error) {
	return d.is(protocol.StatusHeating)(ctx)
}

func (d *fakeDriver) IsTransferring(ctx context.Context) (bool, error) {
	return d.is(protocol.StatusTransferring)(ctx)
}

func (d *fakeDriver) IsPreparingOrPrinting(context.Context) (bool, error) {
	var is bool
	err := d.do(func() {
		switch d.status {
		case protocol.StatusTransferring, protocol.StatusHeating, protocol.StatusPrinting, protocol.StatusPaused,
			protocol.StatusShutdown, protocol.StatusResuming:
			is = true
		}
	})
	return is, err
}

func (d *fakeDriver) GetTransferState(context.Context) (float64, error) {
	return 1, d.do(func() {})
}

func (d *fakeDriver) GetCurrentPrintFilename(context.Context) (string, error) {
	var name string
	err := d.do(func() { name = d.printFile })
	return name, err
}

func (d *fakeDriver) StartPrintStatusMonitor(fn func(driver.ProgressStatus)) error {
	return d.do(func() { d.monitor = fn })
}

func (d *fakeDriver) StopPrintStatusMonitor() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.monitor = nil
}

func (d *fakeDriver) GetPrinterMode(context.Context) (driver.PrinterMode, error) {
	var mode driver.PrinterMode
	err := d.do(func() { mode = d.mode })
	return mode, err
}

func (d *fakeDriver) GoToFirmware(context.Context) error {
	return d.do(func() { d.mode = driver.PrinterModeFirmware })
}

func (d *fakeDriver) FlashFirmware(_ context.Context, path string, label string) error {
	return d.do(func() {
		d.flashed = append(d.flashed, path)
		d.firmware = label
	})
}

func (d *fakeDriver) GetFirmwareVersion(context.Context) (string, error) {
	var version string
	err := d.do(func() { version = d.firmware })
	return version, err
}

func (d *fakeDriver) setConnectErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

func (d *fakeDriver) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func (d *fakeDriver) maxOpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// state runs fn holding the device lock.
func (d *fakeDriver) state(fn func(d *fakeDriver)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}
