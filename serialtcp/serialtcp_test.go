package serialtcp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/fornellas/printhost/simulator"
)

func TestServeDial(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	device := simulator.NewDevice(simulator.Options{Serial: "77"})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- Serve(ctx, listener, func(context.Context) (serial.Port, error) {
			return device.Port(), nil
		})
	}()

	port, err := Dial(ctx, listener.Addr().String(), time.Second)
	require.NoError(t, err)
	require.NoError(t, port.SetMode(&serial.Mode{BaudRate: 115200}))
	require.NoError(t, port.SetReadTimeout(10*time.Millisecond))

	n, err := port.Read(make([]byte, 1))
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, port.SetReadTimeout(serial.NoTimeout))
	_, err = port.Write([]byte("M115\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(port).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ok FIRMWARE_VERSION:10.5.20 MACHINE_TYPE:BEETHEFIRST SERIAL:77 MODE:Firmware\n", line)

	require.NoError(t, port.Close())
	cancel()
	require.NoError(t, <-serveErrCh)
}
