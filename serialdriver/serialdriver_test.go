package serialdriver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/jobs"
	"github.com/fornellas/printhost/protocol"
	"github.com/fornellas/printhost/simulator"
)

func testContext(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func simulatorOpener(device *simulator.Device) OpenPortFn {
	return func(context.Context, *serial.Mode) (serial.Port, error) {
		return device.Port(), nil
	}
}

func connect(t *testing.T, device *simulator.Device, opts Options) (context.Context, *Driver) {
	ctx := testContext(t)
	opts.OpenPortFn = simulatorOpener(device)
	d := NewDriver(opts)
	require.NoError(t, d.Connect(ctx))
	t.Cleanup(func() { require.NoError(t, d.Disconnect(context.WithoutCancel(ctx))) })
	return ctx, d
}

func TestConnect(t *testing.T) {
	device := simulator.NewDevice(simulator.Options{Serial: "1234"})
	ctx, d := connect(t, device, Options{})

	require.True(t, d.IsConnected())
	require.Equal(t, "BEETHEFIRST", d.PrinterName())
	require.Equal(t, "1234", d.SerialNumber())

	version, err := d.GetFirmwareVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, "10.5.20", version)

	mode, err := d.GetPrinterMode(ctx)
	require.NoError(t, err)
	require.Equal(t, driver.PrinterModeFirmware, mode)

	ready, err := d.IsReady(ctx)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestConnectNoDevice(t *testing.T) {
	ctx := testContext(t)
	d := NewDriver(Options{
		OpenPortFn: func(context.Context, *serial.Mode) (serial.Port, error) {
			return nil, driver.ErrNoDevice
		},
	})
	require.ErrorIs(t, d.Connect(ctx), driver.ErrNoDevice)
	require.False(t, d.IsConnected())
	require.NoError(t, d.Disconnect(ctx))
}

func TestCommands(t *testing.T) {
	device := simulator.NewDevice(simulator.Options{})
	ctx, d := connect(t, device, Options{})

	t.Run("SendCommand", func(t *testing.T) {
		reply, err := d.SendCommand(ctx, protocol.InitStorage)
		require.NoError(t, err)
		require.Equal(t, "SD card ok\nok", reply)
	})

	t.Run("Move", func(t *testing.T) {
		de := 2.5
		require.NoError(t, d.Move(ctx, 10, 0, -1, &de, 3000))
		received := device.Received()
		require.Equal(t, []string{"G91", "G1 X10 Z-1 E2.5 F3000", "G90"}, received[len(received)-3:])
	})

	t.Run("Filament", func(t *testing.T) {
		require.NoError(t, d.SetFilamentString(ctx, "A101 - Transparent"))
		filament, err := d.GetFilamentString(ctx)
		require.NoError(t, err)
		require.Equal(t, "A101 - Transparent", filament)

		require.NoError(t, d.SetFilamentInSpool(ctx, 1234.5))
		spool, err := d.GetFilamentInSpool(ctx)
		require.NoError(t, err)
		require.Equal(t, 1234.5, spool)
	})

	t.Run("Nozzle", func(t *testing.T) {
		require.NoError(t, d.SetNozzleSize(ctx, 600))
		size, err := d.GetNozzleSize(ctx)
		require.NoError(t, err)
		require.Equal(t, 600, size)
	})

	t.Run("Temperature", func(t *testing.T) {
		require.NoError(t, d.StartHeating(ctx, 180))
		target, err := d.GetTargetTemperature(ctx)
		require.NoError(t, err)
		require.Equal(t, 180.0, target)
		require.NoError(t, d.CancelHeating(ctx))
		target, err = d.GetTargetTemperature(ctx)
		require.NoError(t, err)
		require.Equal(t, 0.0, target)
	})
}

func TestMessages(t *testing.T) {
	device := simulator.NewDevice(simulator.Options{})
	ctx, d := connect(t, device, Options{})
	messages := d.Messages()

	device.Push("//action:pause")
	require.Equal(t, "//action:pause", <-messages)

	_, err := d.command(ctx, protocol.InitStorage)
	require.NoError(t, err)
	require.Equal(t, "SD card ok", <-messages)
}

func TestConnectionLost(t *testing.T) {
	device := simulator.NewDevice(simulator.Options{})
	ctx := testContext(t)
	d := NewDriver(Options{OpenPortFn: simulatorOpener(device)})
	require.NoError(t, d.Connect(ctx))
	messages := d.Messages()

	device.Unplug()

	for range messages {
	}
	require.False(t, d.IsConnected())
	_, err := d.IsReady(ctx)
	require.ErrorIs(t, err, driver.ErrDisconnected)
	require.Error(t, d.Disconnect(ctx))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func writeGcode(t *testing.T, lines ...string) string {
	path := filepath.Join(t.TempDir(), "part.gcode")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestPrintFile(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	device := simulator.NewDevice(simulator.Options{Now: c.Now, HeatRate: 100, LinesPerSecond: 1})
	ctx, d := connect(t, device, Options{StatusInterval: 10 * time.Millisecond})

	path := writeGcode(t, "; header", "G28", "G1 X10 E1", "", "G1 X20 E2")
	estimated := time.Minute
	require.NoError(t, d.PrintFile(ctx, path, 200, &estimated, nil))

	require.Eventually(t, func() bool {
		filename, err := d.GetCurrentPrintFilename(ctx)
		return err == nil && filename == "part.gcode"
	}, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, device.Received(), "M33 part.gcode S200 E60")

	transferState, err := d.GetTransferState(ctx)
	require.NoError(t, err)
	require.Equal(t, 0.0, transferState)

	var mu sync.Mutex
	var status driver.ProgressStatus
	lastStatus := func() driver.ProgressStatus {
		mu.Lock()
		defer mu.Unlock()
		return status
	}
	require.NoError(t, d.StartPrintStatusMonitor(func(s driver.ProgressStatus) {
		mu.Lock()
		defer mu.Unlock()
		status = s
	}))

	require.Eventually(t, func() bool {
		return lastStatus().TotalLines == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, time.Minute, lastStatus().Estimated)

	c.Advance(2 * time.Second)
	require.Equal(t, protocol.StatusPrinting, device.Status())
	c.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return lastStatus().ExecutedLines == 3
	}, 5*time.Second, 10*time.Millisecond)

	ready, err := d.IsReady(ctx)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestCancelTransfer(t *testing.T) {
	device := simulator.NewDevice(simulator.Options{})
	registry := jobs.NewRegistry()
	ctx, d := connect(t, device, Options{Jobs: registry})

	lines := make([]string, 100000)
	for i := range lines {
		lines[i] = "G1 X1"
	}
	path := writeGcode(t, lines...)
	require.NoError(t, d.PrintFile(ctx, path, 210, nil, nil))

	transferring, err := d.IsTransferring(ctx)
	require.NoError(t, err)
	require.True(t, transferring)
	require.Len(t, registry.Running(), 1)

	require.NoError(t, d.CancelPrint(ctx))
	require.Empty(t, registry.Running())

	transferring, err = d.IsTransferring(ctx)
	require.NoError(t, err)
	require.False(t, transferring)
	require.Equal(t, protocol.StatusReady, device.Status())
}
