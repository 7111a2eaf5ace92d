// Package serialtcp carries a serial link over TCP: a client side serial.Port and a server that
// exposes a local serial.Port to TCP clients.
package serialtcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"
)

var errNotSupported = errors.New("serialtcp: not supported")

// TcpPort partially implements serial.Port interface over a TCP connection.
type TcpPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

func Dial(ctx context.Context, address string, timeout time.Duration) (*TcpPort, error) {
	logger := log.MustLogger(ctx)
	logger.Info("Dialing TCP port", "address", address, "timeout", timeout)
	dialer := &net.Dialer{
		Timeout: timeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("serialtcp: dial %s: %w", address, err)
	}
	return &TcpPort{conn: conn}, nil
}

// SetMode is accepted and ignored: the mode is set by the server side.
func (tp *TcpPort) SetMode(mode *serial.Mode) error {
	return nil
}

func (tp *TcpPort) Read(p []byte) (n int, err error) {
	deadline := time.Time{}
	if tp.readTimeout != serial.NoTimeout {
		deadline = time.Now().Add(tp.readTimeout)
	}
	if err := tp.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err = tp.conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (tp *TcpPort) Write(p []byte) (n int, err error) {
	return tp.conn.Write(p)
}

func (tp *TcpPort) Drain() error {
	return nil
}

func (tp *TcpPort) ResetInputBuffer() error {
	return errNotSupported
}

func (tp *TcpPort) ResetOutputBuffer() error {
	return errNotSupported
}

func (tp *TcpPort) SetDTR(dtr bool) error {
	return errNotSupported
}

func (tp *TcpPort) SetRTS(rts bool) error {
	return errNotSupported
}

func (tp *TcpPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return nil, errNotSupported
}

func (tp *TcpPort) SetReadTimeout(t time.Duration) error {
	tp.readTimeout = t
	return nil
}

func (tp *TcpPort) Close() error {
	return tp.conn.Close()
}

func (tp *TcpPort) Break(time.Duration) error {
	return errNotSupported
}

// Bridge copies data both ways between conn and port until either side fails or ctx is done.
// Both are closed on return.
func Bridge(ctx context.Context, conn net.Conn, port serial.Port) error {
	logger := log.MustLogger(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		return errors.Join(
			fmt.Errorf("serialtcp: bridge: set read timeout: %w", err),
			conn.Close(),
			port.Close(),
		)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		_, err := io.Copy(port, conn)
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("serialtcp: bridge: tcp to serial: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		b := make([]byte, 1024)
		for ctx.Err() == nil {
			n, err := port.Read(b)
			if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
				errCh <- fmt.Errorf("serialtcp: bridge: serial read: %w", err)
				return
			}
			if n == 0 {
				continue
			}
			if _, err := conn.Write(b[:n]); err != nil {
				if ctx.Err() == nil {
					errCh <- fmt.Errorf("serialtcp: bridge: tcp write: %w", err)
				}
				return
			}
		}
	}()

	<-ctx.Done()
	err := errors.Join(conn.Close(), port.Close())
	wg.Wait()
	close(errCh)
	for e := range errCh {
		err = errors.Join(err, e)
	}
	logger.Info("Bridge closed", "remote", conn.RemoteAddr().String())
	return err
}

// OpenPortFn opens the serial port a Server bridges a new client to.
type OpenPortFn func(context.Context) (serial.Port, error)

// Serve accepts TCP clients on listener, bridging one client at a time to a port opened with
// openPortFn. It returns when ctx is done.
func Serve(ctx context.Context, listener net.Listener, openPortFn OpenPortFn) error {
	ctx, logger := log.MustWithGroup(ctx, "serialtcp")
	logger.Info("Listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serialtcp: accept: %w", err)
		}
		clientCtx, clientLogger := log.MustWithAttrs(ctx, "remote", conn.RemoteAddr().String())
		clientLogger.Info("Client connected")
		port, err := openPortFn(clientCtx)
		if err != nil {
			clientLogger.Error("Failed to open port", "err", err)
			conn.Close()
			continue
		}
		if err := Bridge(clientCtx, conn, port); err != nil {
			clientLogger.Warn("Bridge error", "err", err)
		}
	}
}
