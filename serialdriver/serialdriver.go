// Package serialdriver implements driver.Driver over a go.bug.st/serial port speaking the
// protocol package line protocol.
package serialdriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/jobs"
	"github.com/fornellas/printhost/protocol"
)

// OpenPortFn opens the port to talk to the device. It must return driver.ErrNoDevice when there
// is nothing to open.
type OpenPortFn func(context.Context, *serial.Mode) (serial.Port, error)

type Options struct {
	OpenPortFn OpenPortFn
	BaudRate   int
	// CommandTimeout bounds how long to wait for a reply.
	CommandTimeout time.Duration
	// LongCommandTimeout bounds how long to wait for a reply to homing and blocking heating.
	LongCommandTimeout time.Duration
	// StatusInterval is how often print progress is polled while the status monitor runs.
	StatusInterval time.Duration
	// Jobs registers file transfers, so they can be cancelled.
	Jobs *jobs.Registry
}

func (o *Options) setDefaults() {
	if o.BaudRate == 0 {
		o.BaudRate = 115200
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = 10 * time.Second
	}
	if o.LongCommandTimeout == 0 {
		o.LongCommandTimeout = 3 * time.Minute
	}
	if o.StatusInterval == 0 {
		o.StatusInterval = time.Second
	}
	if o.Jobs == nil {
		o.Jobs = jobs.NewRegistry()
	}
}

var longCommands = map[string]bool{
	"G28":  true,
	"G29":  true,
	"M109": true,
	"M190": true,
}

// Driver talks to a single device over a serial port.
type Driver struct {
	opts Options

	// cmdMu serializes command exchanges.
	cmdMu   sync.Mutex
	pending atomic.Bool

	mu               sync.Mutex
	ctx              context.Context
	port             serial.Port
	receiveCtxCancel context.CancelFunc
	messageCh        chan string
	replyCh          chan []string
	receiverErrCh    chan error
	receiverDone     chan struct{}
	printerName      string
	serialNumber     string

	transfer *transfer

	monitorGeneration uint64
	monitorCancel     context.CancelFunc
}

func NewDriver(opts Options) *Driver {
	opts.setDefaults()
	return &Driver{opts: opts}
}

func (d *Driver) receiveLine(ctx context.Context, port serial.Port) (string, error) {
	line := []byte{}
	b := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("serialdriver: receive line: context error: %w", err)
		}
		n, err := port.Read(b)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return "", fmt.Errorf("serialdriver: receive line: read error: %w", err)
		}
		if n == 0 {
			continue
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
	}
	return strings.TrimRight(string(line), "\r"), nil
}

func (d *Driver) closeMessages() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.messageCh != nil {
		close(d.messageCh)
		d.messageCh = nil
	}
}

// receiveWorker reads lines from the port. Lines belong to the reply of the pending command until
// "ok" is received; unsolicited lines and lines arriving while no command is pending are pushed to
// the messages channel.
func (d *Driver) receiveWorker(
	ctx context.Context,
	port serial.Port,
	messageCh chan string,
	replyCh chan []string,
	errCh chan error,
	done chan struct{},
) {
	ctx, logger := log.MustWithGroup(ctx, "receiver")
	var reply []string
	for {
		line, err := d.receiveLine(ctx, port)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				err = nil
			} else {
				logger.Error("Connection lost", "err", err)
			}
			errCh <- err
			close(done)
			d.closeMessages()
			return
		}
		if line == "" {
			continue
		}

		if !protocol.IsUnsolicited(line) && d.pending.Load() {
			reply = append(reply, line)
			if !protocol.IsOK(line) {
				continue
			}
			select {
			case replyCh <- reply:
			case <-ctx.Done():
			}
			reply = nil
			continue
		}

		logger.Debug("Message", "line", line)
		select {
		case messageCh <- line:
		case <-ctx.Done():
		}
	}
}

// forward pushes lines to the messages channel, dropping them if nobody is reading.
func (d *Driver) forward(ctx context.Context, lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.messageCh == nil {
		return
	}
	for _, line := range lines {
		select {
		case d.messageCh <- line:
		default:
			log.MustLogger(ctx).Warn("Message dropped", "line", line)
		}
	}
}

func (d *Driver) writeLine(command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return driver.ErrDisconnected
	}
	line := append([]byte(command), '\n')
	n, err := d.port.Write(line)
	if err != nil {
		return fmt.Errorf("serialdriver: write to serial port error: %w", err)
	}
	if n != len(line) {
		return fmt.Errorf("serialdriver: write to serial port error: wrote %d bytes, expected %d", n, len(line))
	}
	return nil
}

func (d *Driver) channels() (chan []string, chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil, nil, driver.ErrDisconnected
	}
	select {
	case <-d.receiverDone:
		return nil, nil, driver.ErrDisconnected
	default:
	}
	return d.replyCh, d.receiverDone, nil
}

// exchange sends a command and waits for its full reply, up to and including the "ok" line.
//
//gocyclo:ignore
func (d *Driver) exchange(ctx context.Context, command string) ([]string, error) {
	if strings.Contains(command, "\n") {
		return nil, fmt.Errorf("serialdriver: command must be single line string: %#v", command)
	}

	word, _, _ := strings.Cut(command, " ")
	if _, c, ok, _ := protocol.ParseNumberedLine(command); ok {
		word, _, _ = strings.Cut(c, " ")
	}
	timeout := d.opts.CommandTimeout
	if longCommands[strings.ToUpper(word)] {
		timeout = d.opts.LongCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	replyCh, receiverDone, err := d.channels()
	if err != nil {
		return nil, err
	}

	// A reply to a previous command that timed out may still be buffered.
	for len(replyCh) > 0 {
		<-replyCh
	}

	d.pending.Store(true)
	defer d.pending.Store(false)

	if err := d.writeLine(command); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-receiverDone:
		return nil, fmt.Errorf("serialdriver: command %q failed: %w", command, driver.ErrDisconnected)
	case <-ctx.Done():
		return nil, fmt.Errorf("serialdriver: command %q failed: %w", command, ctx.Err())
	}
}

// command runs an internal command: information lines in the reply are forwarded to the
// messages channel and the "ok" line is returned.
func (d *Driver) command(ctx context.Context, command string) (string, error) {
	reply, err := d.exchange(ctx, command)
	if err != nil {
		return "", err
	}
	d.forward(ctx, reply[:len(reply)-1]...)
	return reply[len(reply)-1], nil
}

func (d *Driver) handshake(ctx context.Context) error {
	ok, err := d.command(ctx, protocol.Info)
	if err != nil {
		return fmt.Errorf("serialdriver: handshake: %w", err)
	}
	name, _ := protocol.Field(ok, protocol.FieldMachineType)
	serialNumber, _ := protocol.Field(ok, protocol.FieldSerial)
	d.mu.Lock()
	d.printerName = name
	d.serialNumber = serialNumber
	d.mu.Unlock()
	log.MustLogger(ctx).Info("Connected", "name", name, "serial", serialNumber)
	return nil
}

// Connect opens the serial port and identifies the device. The messages channel is valid until the
// next Connect call; it's closed on read errors, in which case Disconnect must be called.
//
//gocyclo:ignore
func (d *Driver) Connect(ctx context.Context) error {
	ctx, _ = log.MustWithGroup(ctx, "serialdriver")

	d.mu.Lock()
	if d.port != nil {
		d.mu.Unlock()
		return errors.New("serialdriver: already connected")
	}
	d.mu.Unlock()

	mode := &serial.Mode{
		BaudRate: d.opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := d.opts.OpenPortFn(ctx, mode)
	if err != nil {
		if errors.Is(err, driver.ErrNoDevice) {
			return err
		}
		return fmt.Errorf("serialdriver: serial port open error: %w", err)
	}

	// we need to set this to allow polling reads to support context cancellation / timeout
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		closeErr := port.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("serialdriver: serial port close error: %w", closeErr)
		}
		return errors.Join(fmt.Errorf("serialdriver: error setting read timeout: %w", err), closeErr)
	}

	d.mu.Lock()
	d.port = port
	var receiveCtx context.Context
	receiveCtx, d.receiveCtxCancel = context.WithCancel(context.WithoutCancel(ctx))
	d.ctx = receiveCtx
	d.messageCh = make(chan string, 100)
	d.replyCh = make(chan []string, 1)
	d.receiverErrCh = make(chan error, 1)
	d.receiverDone = make(chan struct{})
	go d.receiveWorker(receiveCtx, port, d.messageCh, d.replyCh, d.receiverErrCh, d.receiverDone)
	d.mu.Unlock()

	if err := d.handshake(ctx); err != nil {
		return errors.Join(err, d.Disconnect(ctx))
	}
	return nil
}

// Disconnect stops all goroutines and closes the serial port.
func (d *Driver) Disconnect(ctx context.Context) (err error) {
	d.StopPrintStatusMonitor()

	d.mu.Lock()
	if d.port == nil {
		d.mu.Unlock()
		return nil
	}
	d.receiveCtxCancel()
	t := d.transfer
	d.mu.Unlock()

	if t != nil {
		d.opts.Jobs.Cancel(t.id)
		<-t.done
	}

	err = <-d.receiverErrCh

	d.mu.Lock()
	defer d.mu.Unlock()
	if closeErr := d.port.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("serialdriver: serial port close error: %w", closeErr))
	}
	d.port = nil
	d.receiveCtxCancel = nil
	d.replyCh = nil
	d.receiverErrCh = nil
	d.receiverDone = nil
	d.printerName = ""
	d.serialNumber = ""
	return err
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return false
	}
	select {
	case <-d.receiverDone:
		return false
	default:
		return true
	}
}

func (d *Driver) CommandInterface() driver.CommandInterface {
	return d
}

func (d *Driver) Messages() <-chan string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messageCh
}

func (d *Driver) PrinterName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.printerName
}

func (d *Driver) SerialNumber() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serialNumber
}
