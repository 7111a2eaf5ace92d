package printer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/events"
	"github.com/fornellas/printhost/protocol"
	"github.com/fornellas/printhost/settings"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func testContext(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func startBus(t *testing.T, ctx context.Context) *events.Bus {
	ctx, cancel := context.WithCancel(ctx)
	bus := events.NewBus()
	errCh := make(chan error, 1)
	go func() { errCh <- bus.Worker(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	return bus
}

// eventLog records fired events.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func recordEvents(bus *events.Bus, types ...events.Type) *eventLog {
	l := &eventLog{}
	for _, eventType := range types {
		bus.Subscribe(eventType, func(ctx context.Context, event events.Event) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, event)
		})
	}
	return l
}

func (l *eventLog) count(eventType events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, event := range l.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) last(eventType events.Type) (events.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == eventType {
			return l.events[i], true
		}
	}
	return events.Event{}, false
}

var allEvents = []events.Type{
	events.Connected, events.Disconnected, events.Error, events.FileSelected, events.PrintStarted,
	events.PrintPaused, events.PrintResumed, events.PrintCancelled, events.PrintCancelledDeleteFile,
	events.PrintDone, events.PrintFailed, events.PowerOff, events.FirmwareUpdateAvailable,
	events.FirmwareUpdateStarted, events.FirmwareUpdateFinished,
}

type fileSelection struct {
	name string
	size int64
}

type recordingCallback struct {
	mu               sync.Mutex
	states           []State
	progress         []float64
	statuses         []driver.ProgressStatus
	selected         []fileSelection
	messages         []string
	registered       map[string]string
	temperatures     [][2]float64
	positions        []Position
	storage          []bool
	preparation      []float64
	resets           int
	jobsDone         int
	forceDisconnects int
	panicOnMessage   string
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{registered: map[string]string{}}
}

func (r *recordingCallback) OnStateChange(ctx context.Context, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recordingCallback) OnProgress(ctx context.Context, completion float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, completion)
}

func (r *recordingCallback) OnProgressStatus(ctx context.Context, status driver.ProgressStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recordingCallback) OnFileSelected(ctx context.Context, name string, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected = append(r.selected, fileSelection{name, size})
}

func (r *recordingCallback) OnMessage(ctx context.Context, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panicOnMessage != "" && message == r.panicOnMessage {
		panic(message)
	}
	r.messages = append(r.messages, message)
}

func (r *recordingCallback) OnRegisteredMessage(ctx context.Context, key, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[key] = message
}

func (r *recordingCallback) OnTemperatureUpdate(ctx context.Context, current, target float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.temperatures = append(r.temperatures, [2]float64{current, target})
}

func (r *recordingCallback) OnPositionUpdate(ctx context.Context, position Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, position)
}

func (r *recordingCallback) OnStorageStateChange(ctx context.Context, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage = append(r.storage, ready)
}

func (r *recordingCallback) OnPreparationProgress(ctx context.Context, progress float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preparation = append(r.preparation, progress)
}

func (r *recordingCallback) OnResetPrintProgress(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recordingCallback) OnPrintJobDone(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobsDone++
}

func (r *recordingCallback) OnForceDisconnect(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceDisconnects++
}

func (r *recordingCallback) statesSeen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

// with runs fn holding the callback lock.
func (r *recordingCallback) with(fn func(r *recordingCallback) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r)
}

type commTest struct {
	ctx      context.Context
	comm     *Comm
	driver   *fakeDriver
	callback *recordingCallback
	events   *eventLog
	// err holds trigger errors reported by NewComm.
	err error
}

func newCommTest(t *testing.T, configure func(*CommOptions)) *commTest {
	ctx := testContext(t)
	bus := startBus(t, ctx)
	ct := &commTest{
		ctx:      ctx,
		driver:   newFakeDriver(),
		callback: newRecordingCallback(),
		events:   recordEvents(bus, allEvents...),
	}
	opts := CommOptions{
		Driver:              ct.driver,
		Callback:            ct.callback,
		Bus:                 bus,
		TemperatureInterval: time.Hour,
		PrepareInterval:     time.Millisecond,
		PollTimeout:         time.Millisecond,
	}
	if configure != nil {
		configure(&opts)
	}
	comm, err := NewComm(opts)
	ct.comm = comm
	ct.err = err
	t.Cleanup(func() {
		require.NoError(t, comm.Close(context.WithoutCancel(ctx)))
	})
	return ct
}

func (ct *commTest) open(t *testing.T) {
	require.NoError(t, ct.comm.Open(ct.ctx))
	require.Equal(t, StateOperational, ct.comm.State())
}

func (ct *commTest) startPrinting(t *testing.T) {
	ct.open(t)
	require.NoError(t, ct.comm.StartPrint(ct.ctx, PrintRequest{
		Path:        "/uploads/cube.gcode",
		Origin:      OriginLocal,
		Temperature: 210,
	}))
	require.Eventually(t, func() bool {
		return ct.comm.State() == StatePrinting
	}, waitFor, tick)
}

func TestCommOpenClose(t *testing.T) {
	ct := newCommTest(t, nil)

	ct.open(t)
	require.Equal(t, []string{protocol.SetLineNumber + " N0", protocol.InitStorage}, ct.driver.sentCommands())
	require.Eventually(t, func() bool { return ct.events.count(events.Connected) == 1 }, waitFor, tick)
	event, _ := ct.events.last(events.Connected)
	require.Equal(t, "BEETHEFIRST", event.Payload[events.KeyPrinterName])

	require.Error(t, ct.comm.Open(ct.ctx))

	require.NoError(t, ct.comm.Close(ct.ctx))
	require.Equal(t, StateClosed, ct.comm.State())
	require.False(t, ct.driver.IsConnected())
	require.Eventually(t, func() bool { return ct.events.count(events.Disconnected) == 1 }, waitFor, tick)
	require.Equal(t, []State{StateConnecting, StateOperational, StateClosed}, ct.callback.statesSeen())

	_, err := ct.comm.CommandInterface()
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, ct.comm.SendCommand(ct.ctx, "G28"), ErrNotConnected)
}

func TestCommOpenFailure(t *testing.T) {
	t.Run("no device", func(t *testing.T) {
		ct := newCommTest(t, nil)
		ct.driver.connectErr = driver.ErrNoDevice
		var connectingText string
		ct.driver.onConnect = func() { connectingText = ct.comm.StateText() }

		var buf bytes.Buffer
		ctx := log.WithLogger(ct.ctx, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
		require.ErrorIs(t, ct.comm.Open(ctx), driver.ErrNoDevice)
		require.Equal(t, StateClosed, ct.comm.State())
		require.Equal(t, "Connecting...", connectingText)
		require.Equal(t, []State{StateConnecting, StateClosed}, ct.callback.statesSeen())
		require.NotContains(t, buf.String(), "State changed")
	})
	t.Run("error", func(t *testing.T) {
		ct := newCommTest(t, nil)
		ct.driver.connectErr = errors.New("permission denied")
		require.Error(t, ct.comm.Open(ct.ctx))
		require.Equal(t, StateError, ct.comm.State())
		require.Equal(t, "permission denied", ct.comm.ErrorValue())
		require.Equal(t, "Error: permission denied", ct.comm.StateText())
		require.NoError(t, ct.comm.Close(ct.ctx))
		require.Equal(t, StateClosedWithError, ct.comm.State())
	})
}

func TestCommResend(t *testing.T) {
	t.Run("once", func(t *testing.T) {
		ct := newCommTest(t, nil)
		ct.open(t)
		ct.driver.injectResend(1)
		require.NoError(t, ct.comm.SendCommand(ct.ctx, "G1 X10"))
		require.Eventually(t, func() bool { return ct.driver.count("G1 X10") == 1 }, waitFor, tick)
		require.Equal(t, StateOperational, ct.comm.State())

		require.NoError(t, ct.comm.SendCommand(ct.ctx, "G1 X20"))
		require.Equal(t, 1, ct.driver.count("G1 X20"))
	})
	t.Run("beyond retries", func(t *testing.T) {
		ct := newCommTest(t, nil)
		ct.open(t)
		ct.driver.injectResend(100)
		require.NoError(t, ct.comm.SendCommand(ct.ctx, "G1 X10"))
		require.Eventually(t, func() bool { return ct.comm.State() == StateError }, waitFor, tick)
		require.Contains(t, ct.comm.ErrorValue(), "resend requested")
		require.Zero(t, ct.driver.count("G1 X10"))
		require.Eventually(t, func() bool { return ct.events.count(events.Error) == 1 }, waitFor, tick)
	})
}

func TestCommDispatch(t *testing.T) {
	for _, tc := range []struct {
		name      string
		configure func(*CommOptions)
		lines     []string
		check     func(ct *commTest) bool
	}{
		{
			name:  "temperature",
			lines: []string{"T:205.3 /210.0"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return slices.Equal(r.temperatures, [][2]float64{{205.3, 210}})
				})
			},
		},
		{
			name:  "temperature without target",
			lines: []string{"ok T:180"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return slices.Equal(r.temperatures, [][2]float64{{180, 0}})
				})
			},
		},
		{
			name:  "position",
			lines: []string{"X:10.00 Y:20.00 Z:0.30 E:0.00"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return slices.Equal(r.positions, []Position{{X: 10, Y: 20, Z: 0.3}})
				})
			},
		},
		{
			name:  "message",
			lines: []string{"echo:Hello", "ok"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return slices.Equal(r.messages, []string{"echo:Hello"})
				})
			},
		},
		{
			name:  "device error",
			lines: []string{"Error:Heater failure"},
			check: func(ct *commTest) bool {
				event, ok := ct.events.last(events.Error)
				return ok && event.Payload[events.KeyError] == "Heater failure"
			},
		},
		{
			name:  "file list",
			lines: []string{"Begin file list", "CUBE.GCO 1234", "BAD ENTRY LINE", "End file list"},
			check: func(ct *commTest) bool {
				return slices.Equal(ct.comm.StorageFiles(), []StorageFile{{Name: "CUBE.GCO", Size: 1234}})
			},
		},
		{
			name:  "storage ready",
			lines: []string{"SD card ok"},
			check: func(ct *commTest) bool {
				return ct.comm.SDReady() && ct.driver.count(protocol.ListFiles) == 1
			},
		},
		{
			name:  "storage print progress",
			lines: []string{"SD printing byte 50/200"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return slices.Equal(r.progress, []float64{0.25})
				})
			},
		},
		{
			name:  "file selected",
			lines: []string{"File opened: CUBE.GCO Size: 1234", "File selected"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return slices.Equal(r.selected, []fileSelection{{"CUBE.GCO", 1234}})
				})
			},
		},
		{
			name:  "file open failed",
			lines: []string{"open failed, File: NOPE.GCO"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return slices.Equal(r.selected, []fileSelection{{"", 0}})
				})
			},
		},
		{
			name: "feedback",
			configure: func(opts *CommOptions) {
				opts.Feedback = []settings.Feedback{
					{Key: "fan", Regex: `FAN:(?P<speed>\d+)`, Template: "Fan at ${speed}%"},
				}
			},
			lines: []string{"FAN:80"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return r.registered["fan"] == "Fan at 80%" && len(r.messages) == 0
				})
			},
		},
		{
			name:  "force disconnect",
			lines: []string{"//action:disconnect"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return r.forceDisconnects == 1
				})
			},
		},
		{
			name:  "unknown action",
			lines: []string{"//action:dance", "echo:after"},
			check: func(ct *commTest) bool {
				return ct.callback.with(func(r *recordingCallback) bool {
					return slices.Equal(r.messages, []string{"echo:after"})
				})
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ct := newCommTest(t, tc.configure)
			ct.open(t)
			for _, line := range tc.lines {
				ct.driver.push(line)
			}
			require.Eventually(t, func() bool { return tc.check(ct) }, waitFor, tick)
			require.Equal(t, StateOperational, ct.comm.State())
		})
	}
}

func TestCommDispatchPanic(t *testing.T) {
	ct := newCommTest(t, nil)
	ct.callback.panicOnMessage = "echo:boom"
	ct.open(t)
	ct.driver.push("echo:boom")
	require.Eventually(t, func() bool { return ct.comm.State() == StateError }, waitFor, tick)
	require.Equal(t, "echo:boom", ct.comm.ErrorValue())
}

func TestCommConnectionLost(t *testing.T) {
	ct := newCommTest(t, nil)
	ct.open(t)
	ct.driver.unplug()
	require.Eventually(t, func() bool { return ct.comm.State() == StateError }, waitFor, tick)
	require.Equal(t, "connection lost", ct.comm.ErrorValue())
	require.Eventually(t, func() bool { return ct.events.count(events.Disconnected) == 1 }, waitFor, tick)
}

func TestCommStartPrint(t *testing.T) {
	ct := newCommTest(t, nil)

	require.ErrorIs(t, ct.comm.StartPrint(ct.ctx, PrintRequest{Path: "cube.gcode"}), ErrNotConnected)

	ct.startPrinting(t)
	require.Eventually(t, func() bool { return ct.events.count(events.PrintStarted) == 1 }, waitFor, tick)
	event, _ := ct.events.last(events.PrintStarted)
	require.Equal(t, "cube.gcode", event.Payload[events.KeyFilename])
	require.Equal(t, string(OriginLocal), event.Payload[events.KeyOrigin])
	require.True(t, ct.callback.with(func(r *recordingCallback) bool {
		return r.resets == 1 && slices.Contains(r.preparation, 1)
	}))
	require.Equal(t, []State{StateConnecting, StateOperational, StateTransferringFile, StateHeating, StatePrinting},
		ct.callback.statesSeen())

	require.ErrorIs(t, ct.comm.StartPrint(ct.ctx, PrintRequest{Path: "cube.gcode"}), ErrNotOperational)

	require.True(t, ct.driver.progress(driver.ProgressStatus{ExecutedLines: 10, TotalLines: 100}))
	require.Eventually(t, func() bool {
		return ct.callback.with(func(r *recordingCallback) bool { return len(r.statuses) == 1 })
	}, waitFor, tick)
}

func TestCommStartPrintFromStorage(t *testing.T) {
	ct := newCommTest(t, nil)
	ct.open(t)
	require.NoError(t, ct.comm.StartPrint(ct.ctx, PrintRequest{
		Path:        "/CUBE.GCO",
		Origin:      OriginDevice,
		Temperature: 215,
	}))
	require.Equal(t, 1, ct.driver.count(protocol.StartStoredPrint+" CUBE.GCO S215"))
}

func TestCommTogglePause(t *testing.T) {
	ct := newCommTest(t, nil)
	ct.startPrinting(t)

	require.NoError(t, ct.comm.TogglePause(ct.ctx))
	require.Equal(t, StatePaused, ct.comm.State())
	require.Eventually(t, func() bool { return ct.events.count(events.PrintPaused) == 1 }, waitFor, tick)

	require.NoError(t, ct.comm.TogglePause(ct.ctx))
	require.Equal(t, StateResuming, ct.comm.State())
	ct.driver.setStatus(protocol.StatusPrinting)
	require.Eventually(t, func() bool { return ct.comm.State() == StatePrinting }, waitFor, tick)
	require.Eventually(t, func() bool { return ct.events.count(events.PrintResumed) == 1 }, waitFor, tick)
}

func TestCommPauseTrigger(t *testing.T) {
	ct := newCommTest(t, func(opts *CommOptions) {
		opts.PauseTriggers = []settings.PauseTrigger{
			{Regex: "^filament runout", Type: "enable"},
			{Regex: "^(", Type: "toggle"},
			{Regex: "^x", Type: "bogus"},
		}
	})
	require.Error(t, ct.err)
	require.Len(t, ct.comm.triggers.pause, 1)

	ct.open(t)
	ct.driver.push("filament runout")
	ct.driver.push("echo:sync")
	require.Eventually(t, func() bool {
		return ct.callback.with(func(r *recordingCallback) bool { return len(r.messages) == 1 })
	}, waitFor, tick)
	require.Equal(t, StateOperational, ct.comm.State())

	require.NoError(t, ct.comm.StartPrint(ct.ctx, PrintRequest{Path: "cube.gcode", Origin: OriginLocal}))
	require.Eventually(t, func() bool { return ct.comm.State() == StatePrinting }, waitFor, tick)
	ct.driver.push("filament runout")
	require.Eventually(t, func() bool { return ct.comm.State() == StatePaused }, waitFor, tick)
}

func TestCommCancelPrint(t *testing.T) {
	ct := newCommTest(t, nil)
	ct.open(t)
	require.ErrorIs(t, ct.comm.CancelPrint(ct.ctx), ErrNotPrinting)

	require.NoError(t, ct.comm.StartPrint(ct.ctx, PrintRequest{Path: "cube.gcode", Origin: OriginLocal}))
	require.Eventually(t, func() bool { return ct.comm.State() == StatePrinting }, waitFor, tick)
	require.NoError(t, ct.comm.CancelPrint(ct.ctx))
	require.Equal(t, StateOperational, ct.comm.State())
	require.False(t, ct.driver.progress(driver.ProgressStatus{}))
}

func TestCommShutdown(t *testing.T) {
	ct := newCommTest(t, nil)
	ct.open(t)
	require.ErrorIs(t, ct.comm.EnterShutdown(ct.ctx), ErrNotPrinting)

	require.NoError(t, ct.comm.StartPrint(ct.ctx, PrintRequest{Path: "cube.gcode", Origin: OriginLocal}))
	require.Eventually(t, func() bool { return ct.comm.State() == StatePrinting }, waitFor, tick)
	require.NoError(t, ct.comm.EnterShutdown(ct.ctx))
	require.Equal(t, StateShutdown, ct.comm.State())
	require.False(t, ct.comm.ForceShutdown(ct.ctx))
	require.Eventually(t, func() bool { return ct.events.count(events.PowerOff) == 1 }, waitFor, tick)

	require.NoError(t, ct.comm.SetPause(ct.ctx, false))
	require.Equal(t, StateResuming, ct.comm.State())
}

func TestCommUpdatePrinterState(t *testing.T) {
	for _, tc := range []struct {
		status protocol.Status
		state  State
	}{
		{protocol.StatusReady, StateOperational},
		{protocol.StatusPaused, StatePaused},
		{protocol.StatusShutdown, StateShutdown},
		{protocol.StatusPrinting, StatePrinting},
	} {
		t.Run(tc.status.String(), func(t *testing.T) {
			ct := newCommTest(t, nil)
			ct.open(t)
			ct.driver.setStatus(tc.status)
			require.NoError(t, ct.comm.UpdatePrinterState(ct.ctx))
			require.Equal(t, tc.state, ct.comm.State())
		})
	}
}

func TestIsLongCommand(t *testing.T) {
	require.True(t, isLongCommand("G28"))
	require.True(t, isLongCommand(" m109 S210"))
	require.False(t, isLongCommand("G1 X10"))
}
