// Package simulator implements a printer that speaks the firmware line protocol, exposed as
// go.bug.st/serial ports. The device state persists across port sessions, so closing a port
// behaves like unplugging the USB cable while the printer keeps going.
package simulator

import (
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/printhost/protocol"
)

type Options struct {
	Name               string
	Serial             string
	FirmwareVersion    string
	Bootloader         bool
	AmbientTemperature float64
	// HeatRate is how many degrees per second the nozzle heats.
	HeatRate float64
	// LinesPerSecond is how fast stored files are printed.
	LinesPerSecond float64
	ResumeDuration time.Duration
	SpoolMM        float64
	NozzleSize     int
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "BEETHEFIRST"
	}
	if o.Serial == "" {
		o.Serial = "0000000001"
	}
	if o.FirmwareVersion == "" {
		o.FirmwareVersion = "10.5.20"
	}
	if o.AmbientTemperature == 0 {
		o.AmbientTemperature = 20
	}
	if o.HeatRate == 0 {
		o.HeatRate = 5
	}
	if o.LinesPerSecond == 0 {
		o.LinesPerSecond = 20
	}
	if o.ResumeDuration == 0 {
		o.ResumeDuration = 5 * time.Second
	}
	if o.SpoolMM == 0 {
		o.SpoolMM = 100000
	}
	if o.NozzleSize == 0 {
		o.NozzleSize = 400
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type job struct {
	name      string
	total     int
	executed  float64
	elapsed   time.Duration
	estimated time.Duration
}

type transfer struct {
	name     string
	expected int
	lines    []string
}

// Device is the simulated printer.
type Device struct {
	mu   sync.Mutex
	opts Options

	status      protocol.Status
	temperature float64
	target      float64
	printTemp   float64
	lastAdvance time.Time
	resumeUntil time.Time

	filament   string
	spool      float64
	nozzleSize int

	files     map[string][]string
	transfer  *transfer
	job       *job
	lastPrint string

	nextLine         int
	resendInjections int
	calibrationStep  int

	firmwareVersion string
	bootloader      bool
	flashLabel      string
	flashSize       int
	flashData       []byte

	sessions map[*Port]struct{}
	received []string
}

func NewDevice(opts Options) *Device {
	opts.setDefaults()
	return &Device{
		opts:            opts,
		status:          protocol.StatusReady,
		temperature:     opts.AmbientTemperature,
		printTemp:       210,
		lastAdvance:     opts.Now(),
		spool:           opts.SpoolMM,
		nozzleSize:      opts.NozzleSize,
		files:           map[string][]string{},
		nextLine:        1,
		firmwareVersion: opts.FirmwareVersion,
		bootloader:      opts.Bootloader,
		sessions:        map[*Port]struct{}{},
	}
}

// Port opens a new session with the device.
func (d *Device) Port() *Port {
	p := newPort(d)
	d.mu.Lock()
	d.sessions[p] = struct{}{}
	d.mu.Unlock()
	return p
}

func (d *Device) removeSession(p *Port) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, p)
}

// Unplug closes all open sessions, as if the cable was removed.
func (d *Device) Unplug() {
	d.mu.Lock()
	sessions := make([]*Port, 0, len(d.sessions))
	for p := range d.sessions {
		sessions = append(sessions, p)
	}
	d.sessions = map[*Port]struct{}{}
	d.mu.Unlock()
	for _, p := range sessions {
		p.closeSession()
	}
}

// Push sends an unsolicited line to all open sessions.
func (d *Device) Push(line string) {
	d.mu.Lock()
	sessions := make([]*Port, 0, len(d.sessions))
	for p := range d.sessions {
		sessions = append(sessions, p)
	}
	d.mu.Unlock()
	for _, p := range sessions {
		p.enqueue(line + "\n")
	}
}

// PowerLoss simulates an abrupt power loss during a print: the job is kept and the device
// reports shutdown.
func (d *Device) PowerLoss() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advance()
	if d.job != nil {
		d.status = protocol.StatusShutdown
		d.target = 0
	}
}

// InjectResend makes the next n numbered lines fail with a resend request.
func (d *Device) InjectResend(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resendInjections = n
}

// StoreFile stores a file as if it was transferred earlier.
func (d *Device) StoreFile(name string, lines []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name] = slices.Clone(lines)
}

func (d *Device) Status() protocol.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advance()
	return d.status
}

// Received returns all commands the device executed, without line numbers.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.received)
}

func (d *Device) FirmwareVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmwareVersion
}

func (d *Device) advance() {
	now := d.opts.Now()
	dt := now.Sub(d.lastAdvance)
	d.lastAdvance = now
	if dt <= 0 {
		return
	}
	seconds := dt.Seconds()

	if d.target > d.temperature {
		d.temperature = math.Min(d.target, d.temperature+d.opts.HeatRate*seconds)
	} else if d.target < d.temperature {
		floor := math.Max(d.target, d.opts.AmbientTemperature)
		d.temperature = math.Max(floor, d.temperature-d.opts.HeatRate*seconds/5)
	}

	switch d.status {
	case protocol.StatusHeating:
		if d.temperature >= d.target {
			d.status = protocol.StatusPrinting
		}
	case protocol.StatusResuming:
		if !now.Before(d.resumeUntil) {
			d.status = protocol.StatusPrinting
		}
	case protocol.StatusPrinting:
		if d.job == nil {
			d.status = protocol.StatusReady
			break
		}
		d.job.executed += d.opts.LinesPerSecond * seconds
		d.job.elapsed += dt
		if d.job.executed >= float64(d.job.total) {
			d.job.executed = float64(d.job.total)
			d.lastPrint = d.job.name
			d.job = nil
			d.target = 0
			d.status = protocol.StatusReady
		}
	}
}

func (d *Device) numbered(line string) (string, string, bool) {
	number, command, ok, err := protocol.ParseNumberedLine(line)
	if !ok {
		return line, "", true
	}
	if d.resendInjections > 0 || err != nil {
		if d.resendInjections > 0 {
			d.resendInjections--
		}
		return "", fmt.Sprintf("Error:checksum mismatch, Last Line: %d\nResend: %d\nok\n", d.nextLine-1, d.nextLine), false
	}
	if number != d.nextLine {
		return "", fmt.Sprintf("Error:Line Number is not Last Line Number+1, Last Line: %d\nResend: %d\nok\n", d.nextLine-1, d.nextLine), false
	}
	d.nextLine++
	return command, "", true
}

// transferCommands are executed while a file is being written, all other lines are stored.
var transferCommands = map[string]struct{}{
	protocol.EndWrite:         {},
	protocol.CancelPrint:      {},
	protocol.GetStatus:        {},
	protocol.GetTemperature:   {},
	protocol.TransferProgress: {},
	protocol.HeatingProgress:  {},
	protocol.CurrentPrintFile: {},
	protocol.PrintProgress:    {},
	protocol.Info:             {},
}

func stripComment(line string) string {
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// handle processes a single line and returns the full reply.
func (d *Device) handle(line string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.advance()

	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	command, reply, ok := d.numbered(line)
	if !ok {
		return reply
	}

	if d.transfer != nil {
		word, _, _ := strings.Cut(command, " ")
		if _, ok := transferCommands[word]; !ok {
			if stripped := stripComment(command); stripped != "" {
				d.transfer.lines = append(d.transfer.lines, stripped)
			}
			return "ok\n"
		}
	}

	command = stripComment(command)
	if command == "" {
		return "ok\n"
	}
	d.received = append(d.received, command)

	return d.execute(command)
}

func argument(args []string, letter byte) (string, bool) {
	for _, arg := range args {
		if len(arg) > 1 && (arg[0] == letter || arg[0] == letter+'a'-'A') {
			return arg[1:], true
		}
	}
	return "", false
}

func floatArgument(args []string, letter byte) (float64, bool) {
	value, ok := argument(args, letter)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

//gocyclo:ignore
func (d *Device) execute(command string) string {
	fields := strings.Fields(command)
	word := strings.ToUpper(fields[0])
	args := fields[1:]

	if d.bootloader {
		switch word {
		case protocol.Info, protocol.GoToFirmware, protocol.BeginFlash, protocol.FlashChunk,
			protocol.EndFlash, protocol.SetLineNumber, protocol.GetStatus:
		default:
			return "echo:bootloader mode\nok\n"
		}
	}

	switch word {
	case protocol.SetLineNumber:
		n, _ := floatArgument(args, 'N')
		d.nextLine = int(n) + 1
		return "ok\n"
	case protocol.Info:
		mode := "Firmware"
		if d.bootloader {
			mode = "Bootloader"
		}
		return fmt.Sprintf(
			"ok %s:%s %s:%s %s:%s %s:%s\n",
			protocol.FieldFirmwareVersion, d.firmwareVersion,
			protocol.FieldMachineType, d.opts.Name,
			protocol.FieldSerial, d.opts.Serial,
			protocol.FieldMode, mode,
		)
	case protocol.GetStatus:
		return fmt.Sprintf("ok %s:%d\n", protocol.FieldStatus, int(d.status))
	case protocol.GetTemperature:
		return fmt.Sprintf("ok T:%.1f /%.1f\n", d.temperature, d.target)
	case protocol.SetTemperature:
		if t, ok := floatArgument(args, 'S'); ok {
			d.target = t
		}
		return "ok\n"
	case "G28", "G90", "G91", "G92", "G0":
		return "ok\n"
	case protocol.Move:
		if e, ok := floatArgument(args, 'E'); ok && e > 0 {
			d.spool = math.Max(0, d.spool-e)
		}
		return "ok\n"
	case protocol.Load, protocol.Unload, protocol.LoadUnloadPosition:
		return "ok\n"
	case protocol.SetFilament:
		d.filament = strings.TrimSpace(strings.TrimPrefix(command, fields[0]))
		return "ok\n"
	case protocol.GetFilament:
		return fmt.Sprintf("ok %s:%s\n", protocol.FieldFilament, d.filament)
	case protocol.GetNozzleSize:
		return fmt.Sprintf("ok %s:%d\n", protocol.FieldNozzleSize, d.nozzleSize)
	case protocol.SetNozzleSize:
		if n, ok := floatArgument(args, 'S'); ok {
			d.nozzleSize = int(n)
		}
		return "ok\n"
	case protocol.GetSpool:
		return fmt.Sprintf("ok %s:%.1f\n", protocol.FieldSpool, d.spool)
	case protocol.SetSpool:
		if mm, ok := floatArgument(args, 'S'); ok {
			d.spool = mm
		}
		return "ok\n"
	case protocol.HeatingProgress:
		progress := 1.0
		if d.target > d.opts.AmbientTemperature {
			progress = math.Max(0, math.Min(1, (d.temperature-d.opts.AmbientTemperature)/(d.target-d.opts.AmbientTemperature)))
		}
		return fmt.Sprintf("ok %s:%.3f\n", protocol.FieldHeating, progress)
	case protocol.SetPrintTemp:
		if t, ok := floatArgument(args, 'S'); ok {
			d.printTemp = t
		}
		return "ok\n"
	case protocol.CurrentPrintFile:
		name := ""
		if d.job != nil {
			name = d.job.name
		}
		return fmt.Sprintf("ok %s:%s\n", protocol.FieldFile, name)
	case protocol.PrintProgress:
		var executed, total int
		var elapsed, estimated time.Duration
		if d.job != nil {
			executed, total = int(d.job.executed), d.job.total
			elapsed, estimated = d.job.elapsed, d.job.estimated
		}
		return fmt.Sprintf(
			"ok %s:%d %s:%d %s:%d %s:%d\n",
			protocol.FieldExecuted, executed,
			protocol.FieldTotalLines, total,
			protocol.FieldElapsed, int(elapsed.Seconds()),
			protocol.FieldEstimated, int(estimated.Seconds()),
		)
	case protocol.TransferProgress:
		progress := 0.0
		if d.transfer != nil && d.transfer.expected > 0 {
			progress = math.Min(1, float64(len(d.transfer.lines))/float64(d.transfer.expected))
		}
		return fmt.Sprintf("ok %s:%.3f\n", protocol.FieldTransfer, progress)
	case protocol.BeginWrite:
		if len(args) == 0 {
			return "Error:missing file name\nok\n"
		}
		expected, _ := floatArgument(args[1:], 'L')
		d.transfer = &transfer{name: args[0], expected: int(expected)}
		d.status = protocol.StatusTransferring
		return "Writing to file: " + args[0] + "\nok\n"
	case protocol.EndWrite:
		if d.transfer == nil {
			return "ok\n"
		}
		d.files[d.transfer.name] = d.transfer.lines
		d.transfer = nil
		if d.status == protocol.StatusTransferring {
			d.status = protocol.StatusReady
		}
		return "Done saving file\nok\n"
	case protocol.StartStoredPrint:
		return d.startStoredPrint(args)
	case protocol.CancelPrint:
		d.transfer = nil
		d.job = nil
		d.target = 0
		d.status = protocol.StatusReady
		return "ok\n"
	case protocol.PausePrint:
		if d.status == protocol.StatusPrinting {
			d.status = protocol.StatusPaused
		}
		return "ok\n"
	case protocol.ResumePrint:
		if d.status == protocol.StatusPaused || d.status == protocol.StatusShutdown {
			d.status = protocol.StatusResuming
			d.target = d.printTemp
			d.resumeUntil = d.opts.Now().Add(d.opts.ResumeDuration)
		}
		return "ok\n"
	case protocol.EnterShutdown:
		if d.status == protocol.StatusPrinting || d.status == protocol.StatusPaused {
			d.status = protocol.StatusShutdown
			d.target = 0
		}
		return "ok\n"
	case protocol.StartCalibration:
		d.calibrationStep = 1
		return "ok\n"
	case protocol.NextCalibration:
		d.calibrationStep++
		return "ok\n"
	case protocol.GoToFirmware:
		d.bootloader = false
		return "ok\n"
	case protocol.BeginFlash:
		size, _ := floatArgument(args, 'A')
		d.flashSize = int(size)
		d.flashData = nil
		if len(args) > 1 {
			d.flashLabel = args[1]
		}
		return "ok\n"
	case protocol.FlashChunk:
		if len(args) != 1 {
			return "Error:bad chunk\nok\n"
		}
		data, err := hex.DecodeString(args[0])
		if err != nil {
			return "Error:bad chunk\nok\n"
		}
		d.flashData = append(d.flashData, data...)
		return "ok\n"
	case protocol.EndFlash:
		if len(d.flashData) != d.flashSize {
			return fmt.Sprintf("Error:flash size mismatch %d != %d\nok\n", len(d.flashData), d.flashSize)
		}
		d.firmwareVersion = d.flashLabel
		return "ok\n"
	case protocol.InitStorage:
		return "SD card ok\nok\n"
	case protocol.ListFiles:
		var b strings.Builder
		b.WriteString("Begin file list\n")
		names := make([]string, 0, len(d.files))
		for name := range d.files {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(&b, "%s %d\n", name, fileSize(d.files[name]))
		}
		b.WriteString("End file list\nok\n")
		return b.String()
	case protocol.SelectFile:
		if len(args) == 0 {
			return "Error:missing file name\nok\n"
		}
		name := strings.TrimPrefix(args[0], "/")
		lines, ok := d.files[name]
		if !ok {
			return fmt.Sprintf("open failed, File: %s.\nok\n", name)
		}
		return fmt.Sprintf("File opened: %s Size: %d\nFile selected\nok\n", name, fileSize(lines))
	default:
		return fmt.Sprintf("echo:Unknown command: \"%s\"\nok\n", word)
	}
}

func fileSize(lines []string) int {
	size := 0
	for _, line := range lines {
		size += len(line) + 1
	}
	return size
}

func (d *Device) startStoredPrint(args []string) string {
	if d.status != protocol.StatusReady {
		return fmt.Sprintf("Error:busy: %s\nok\n", d.status)
	}
	name := d.lastPrint
	var rest []string
	if len(args) > 0 && !strings.HasPrefix(args[0], "S") && !strings.HasPrefix(args[0], "E") {
		name = args[0]
		rest = args[1:]
	} else {
		rest = args
	}
	lines, ok := d.files[name]
	if !ok {
		return fmt.Sprintf("Error:file not found: %s\nok\n", name)
	}
	if t, ok := floatArgument(rest, 'S'); ok {
		d.printTemp = t
	}
	var estimated time.Duration
	if e, ok := floatArgument(rest, 'E'); ok {
		estimated = time.Duration(e * float64(time.Second))
	}
	d.job = &job{name: name, total: len(lines), estimated: estimated}
	d.target = d.printTemp
	d.status = protocol.StatusHeating
	return "ok\n"
}
