// Package driver defines the contract between the printer connection core and a device driver.
package driver

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoDevice is returned by Driver.Connect when no printer is attached.
	ErrNoDevice = errors.New("driver: no device found")
	// ErrDisconnected is returned by operations issued without an open connection.
	ErrDisconnected = errors.New("driver: disconnected")
)

// ProgressStatus is pushed by the driver while a print runs.
type ProgressStatus struct {
	Elapsed       time.Duration
	Estimated     time.Duration
	ExecutedLines int
	TotalLines    int
}

// PrinterMode is the program running on the device.
type PrinterMode string

const (
	PrinterModeFirmware   PrinterMode = "Firmware"
	PrinterModeBootloader PrinterMode = "Bootloader"
)

// Driver owns the link with a single device.
type Driver interface {
	// Connect opens the device. It returns ErrNoDevice when there's nothing to connect to.
	Connect(ctx context.Context) error
	// Disconnect closes the device. It is a no-op when not connected.
	Disconnect(ctx context.Context) error
	IsConnected() bool
	// CommandInterface returns the commands available while connected.
	CommandInterface() CommandInterface
	// Messages returns unsolicited lines sent by the device. The channel is closed when the
	// connection fails.
	Messages() <-chan string
	// PrinterName returns the device reported model name, eg: "BEETHEFIRST".
	PrinterName() string
	SerialNumber() string
}

// CommandInterface exposes device operations. All methods block until the device acknowledges
// the operation.
type CommandInterface interface {
	// SendCommand sends a raw line and returns the device reply.
	SendCommand(ctx context.Context, line string) (string, error)

	Home(ctx context.Context) error
	HomeXY(ctx context.Context) error
	HomeZ(ctx context.Context) error
	// Move moves relative to the current position. de may be nil for no extrusion. feedrate is
	// in mm/min, 0 keeps the current one.
	Move(ctx context.Context, dx, dy, dz float64, de *float64, feedrate float64) error

	StartHeating(ctx context.Context, target float64) error
	CancelHeating(ctx context.Context) error
	GetHeatingProgress(ctx context.Context) (float64, error)
	GetNozzleTemperature(ctx context.Context) (float64, error)
	GetTargetTemperature(ctx context.Context) (float64, error)
	SetNozzleTemperature(ctx context.Context, temperature float64) error

	GoToLoadUnloadPos(ctx context.Context) error
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	// GetFilamentString returns the filament loaded in the device, "" if unknown.
	GetFilamentString(ctx context.Context) (string, error)
	SetFilamentString(ctx context.Context, filament string) error
	// GetFilamentInSpool returns the remaining filament in mm. Negative means unknown.
	GetFilamentInSpool(ctx context.Context) (float64, error)
	SetFilamentInSpool(ctx context.Context, mm float64) error
	// GetNozzleSize returns the nozzle diameter in microns.
	GetNozzleSize(ctx context.Context) (int, error)
	SetNozzleSize(ctx context.Context, microns int) error

	StartCalibration(ctx context.Context, repeat bool) error
	GoToNextCalibrationPoint(ctx context.Context) error

	// PrintFile transfers the local file at path to the device and starts printing it once the
	// nozzle reaches targetTemperature. Transfer and heating progress asynchronously.
	PrintFile(ctx context.Context, path string, targetTemperature float64, estimated *time.Duration, lines *int) error
	// RepeatLastPrint prints the file already stored on the device.
	RepeatLastPrint(ctx context.Context, targetTemperature float64) error
	CancelPrint(ctx context.Context) error
	PausePrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error
	EnterShutdown(ctx context.Context) error

	IsReady(ctx context.Context) (bool, error)
	IsPrinting(ctx context.Context) (bool, error)
	IsPaused(ctx context.Context) (bool, error)
	IsShutdown(ctx context.Context) (bool, error)
	IsResuming(ctx context.Context) (bool, error)
	IsHeating(ctx context.Context) (bool, error)
	IsTransferring(ctx context.Context) (bool, error)
	IsPreparingOrPrinting(ctx context.Context) (bool, error)
	// GetTransferState returns the file transfer completion, from 0 to 1.
	GetTransferState(ctx context.Context) (float64, error)
	// GetCurrentPrintFilename returns the file name the device is printing, "" if none.
	GetCurrentPrintFilename(ctx context.Context) (string, error)

	// StartPrintStatusMonitor calls fn with print progress until StopPrintStatusMonitor is
	// called or the print ends. fn must not block.
	StartPrintStatusMonitor(fn func(ProgressStatus)) error
	StopPrintStatusMonitor()

	GetPrinterMode(ctx context.Context) (PrinterMode, error)
	GoToFirmware(ctx context.Context) error
	FlashFirmware(ctx context.Context, path string, label string) error
	// GetFirmwareVersion returns the running firmware version, eg: "10.5.23".
	GetFirmwareVersion(ctx context.Context) (string, error)
}
