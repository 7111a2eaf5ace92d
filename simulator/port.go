package simulator

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var ErrPortClosed = errors.New("simulator: port closed")

// Port is a session with a Device. It implements serial.Port.
type Port struct {
	device *Device

	mu          sync.Mutex
	input       []byte
	output      bytes.Buffer
	readTimeout time.Duration
	closed      bool
	signal      chan struct{}
	closedCh    chan struct{}
}

func newPort(device *Device) *Port {
	return &Port{
		device:      device,
		readTimeout: serial.NoTimeout,
		signal:      make(chan struct{}, 1),
		closedCh:    make(chan struct{}),
	}
}

func (p *Port) enqueue(data string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.output.WriteString(data)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Port) closeSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.closedCh)
}

func (p *Port) SetMode(mode *serial.Mode) error {
	return nil
}

func (p *Port) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	p.mu.Lock()
	readTimeout := p.readTimeout
	p.mu.Unlock()
	if readTimeout != serial.NoTimeout {
		timer := time.NewTimer(readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		p.mu.Lock()
		if p.output.Len() > 0 {
			n, _ := p.output.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		if p.closed {
			p.mu.Unlock()
			return 0, ErrPortClosed
		}
		p.mu.Unlock()

		select {
		case <-p.signal:
		case <-p.closedCh:
		case <-timeout:
			return 0, nil
		}
	}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	p.input = append(p.input, b...)
	var lines []string
	for {
		idx := bytes.IndexByte(p.input, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(p.input[:idx]), "\r"))
		p.input = p.input[idx+1:]
	}
	p.mu.Unlock()

	for _, line := range lines {
		if reply := p.device.handle(line); reply != "" {
			p.enqueue(reply)
		}
	}
	return len(b), nil
}

func (p *Port) Drain() error {
	return nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output.Reset()
	return nil
}

func (p *Port) ResetOutputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input = nil
	return nil
}

func (p *Port) SetDTR(dtr bool) error {
	return nil
}

func (p *Port) SetRTS(rts bool) error {
	return nil
}

func (p *Port) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{CTS: true, DSR: true}, nil
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *Port) Close() error {
	p.closeSession()
	p.device.removeSession(p)
	return nil
}

func (p *Port) Break(time.Duration) error {
	return nil
}
