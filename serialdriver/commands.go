package serialdriver

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/protocol"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// SendCommand sends a raw line and returns all reply lines joined by "\n".
func (d *Driver) SendCommand(ctx context.Context, line string) (string, error) {
	reply, err := d.exchange(ctx, line)
	if err != nil {
		return "", err
	}
	return strings.Join(reply, "\n"), nil
}

func (d *Driver) run(ctx context.Context, command string) error {
	_, err := d.command(ctx, command)
	return err
}

func (d *Driver) Home(ctx context.Context) error {
	return d.run(ctx, protocol.Home)
}

func (d *Driver) HomeXY(ctx context.Context) error {
	return d.run(ctx, protocol.HomeXY)
}

func (d *Driver) HomeZ(ctx context.Context) error {
	return d.run(ctx, protocol.HomeZ)
}

func (d *Driver) Move(ctx context.Context, dx, dy, dz float64, de *float64, feedrate float64) error {
	var b strings.Builder
	b.WriteString(protocol.Move)
	for _, axis := range []struct {
		letter string
		value  float64
	}{{"X", dx}, {"Y", dy}, {"Z", dz}} {
		if axis.value != 0 {
			fmt.Fprintf(&b, " %s%s", axis.letter, formatFloat(axis.value))
		}
	}
	if de != nil {
		fmt.Fprintf(&b, " E%s", formatFloat(*de))
	}
	if feedrate > 0 {
		fmt.Fprintf(&b, " F%s", formatFloat(feedrate))
	}
	for _, command := range []string{protocol.Relative, b.String(), protocol.Absolute} {
		if err := d.run(ctx, command); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) StartHeating(ctx context.Context, target float64) error {
	return d.run(ctx, fmt.Sprintf("%s S%s", protocol.SetTemperature, formatFloat(target)))
}

func (d *Driver) CancelHeating(ctx context.Context) error {
	return d.run(ctx, protocol.SetTemperature+" S0")
}

func (d *Driver) GetHeatingProgress(ctx context.Context) (float64, error) {
	ok, err := d.command(ctx, protocol.HeatingProgress)
	if err != nil {
		return 0, err
	}
	return protocol.FloatField(ok, protocol.FieldHeating)
}

var temperatureRegexp = regexp.MustCompile(`T:\s*(-?[\d.]+)(?:\s*/\s*(-?[\d.]+))?`)

func (d *Driver) temperatures(ctx context.Context) (float64, float64, error) {
	ok, err := d.command(ctx, protocol.GetTemperature)
	if err != nil {
		return 0, 0, err
	}
	match := temperatureRegexp.FindStringSubmatch(ok)
	if match == nil {
		return 0, 0, fmt.Errorf("serialdriver: bad temperature reply: %q", ok)
	}
	current, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("serialdriver: bad temperature reply: %w", err)
	}
	var target float64
	if match[2] != "" {
		target, err = strconv.ParseFloat(match[2], 64)
		if err != nil {
			return 0, 0, fmt.Errorf("serialdriver: bad temperature reply: %w", err)
		}
	}
	return current, target, nil
}

func (d *Driver) GetNozzleTemperature(ctx context.Context) (float64, error) {
	current, _, err := d.temperatures(ctx)
	return current, err
}

func (d *Driver) GetTargetTemperature(ctx context.Context) (float64, error) {
	_, target, err := d.temperatures(ctx)
	return target, err
}

func (d *Driver) SetNozzleTemperature(ctx context.Context, temperature float64) error {
	return d.StartHeating(ctx, temperature)
}

func (d *Driver) GoToLoadUnloadPos(ctx context.Context) error {
	return d.run(ctx, protocol.LoadUnloadPosition)
}

func (d *Driver) Load(ctx context.Context) error {
	return d.run(ctx, protocol.Load)
}

func (d *Driver) Unload(ctx context.Context) error {
	return d.run(ctx, protocol.Unload)
}

func (d *Driver) GetFilamentString(ctx context.Context) (string, error) {
	ok, err := d.command(ctx, protocol.GetFilament)
	if err != nil {
		return "", err
	}
	filament, _ := protocol.RestField(ok, protocol.FieldFilament)
	return filament, nil
}

func (d *Driver) SetFilamentString(ctx context.Context, filament string) error {
	return d.run(ctx, protocol.SetFilament+" "+filament)
}

func (d *Driver) GetFilamentInSpool(ctx context.Context) (float64, error) {
	ok, err := d.command(ctx, protocol.GetSpool)
	if err != nil {
		return 0, err
	}
	return protocol.FloatField(ok, protocol.FieldSpool)
}

func (d *Driver) SetFilamentInSpool(ctx context.Context, mm float64) error {
	return d.run(ctx, fmt.Sprintf("%s S%.1f", protocol.SetSpool, mm))
}

func (d *Driver) GetNozzleSize(ctx context.Context) (int, error) {
	ok, err := d.command(ctx, protocol.GetNozzleSize)
	if err != nil {
		return 0, err
	}
	return protocol.IntField(ok, protocol.FieldNozzleSize)
}

func (d *Driver) SetNozzleSize(ctx context.Context, microns int) error {
	return d.run(ctx, fmt.Sprintf("%s S%d", protocol.SetNozzleSize, microns))
}

func (d *Driver) StartCalibration(ctx context.Context, repeat bool) error {
	command := protocol.StartCalibration
	if repeat {
		command += " R1"
	}
	return d.run(ctx, command)
}

func (d *Driver) GoToNextCalibrationPoint(ctx context.Context) error {
	return d.run(ctx, protocol.NextCalibration)
}

func (d *Driver) RepeatLastPrint(ctx context.Context, targetTemperature float64) error {
	ok, err := d.command(ctx, fmt.Sprintf("%s S%s", protocol.StartStoredPrint, formatFloat(targetTemperature)))
	if err != nil {
		return err
	}
	if strings.HasPrefix(ok, "Error") {
		return fmt.Errorf("serialdriver: repeat last print: %s", ok)
	}
	return nil
}

func (d *Driver) PausePrint(ctx context.Context) error {
	return d.run(ctx, protocol.PausePrint)
}

func (d *Driver) ResumePrint(ctx context.Context) error {
	return d.run(ctx, protocol.ResumePrint)
}

func (d *Driver) EnterShutdown(ctx context.Context) error {
	return d.run(ctx, protocol.EnterShutdown)
}

func (d *Driver) status(ctx context.Context) (protocol.Status, error) {
	ok, err := d.command(ctx, protocol.GetStatus)
	if err != nil {
		return 0, err
	}
	return protocol.ParseStatus(ok)
}

func (d *Driver) statusIs(ctx context.Context, statuses ...protocol.Status) (bool, error) {
	status, err := d.status(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range statuses {
		if status == s {
			return true, nil
		}
	}
	return false, nil
}

func (d *Driver) IsReady(ctx context.Context) (bool, error) {
	return d.statusIs(ctx, protocol.StatusReady)
}

func (d *Driver) IsPrinting(ctx context.Context) (bool, error) {
	return d.statusIs(ctx, protocol.StatusPrinting)
}

func (d *Driver) IsPaused(ctx context.Context) (bool, error) {
	return d.statusIs(ctx, protocol.StatusPaused)
}

func (d *Driver) IsShutdown(ctx context.Context) (bool, error) {
	return d.statusIs(ctx, protocol.StatusShutdown)
}

func (d *Driver) IsResuming(ctx context.Context) (bool, error) {
	return d.statusIs(ctx, protocol.StatusResuming)
}

func (d *Driver) IsHeating(ctx context.Context) (bool, error) {
	return d.statusIs(ctx, protocol.StatusHeating)
}

func (d *Driver) IsTransferring(ctx context.Context) (bool, error) {
	if d.transferState() != nil {
		return true, nil
	}
	return d.statusIs(ctx, protocol.StatusTransferring)
}

func (d *Driver) IsPreparingOrPrinting(ctx context.Context) (bool, error) {
	if d.transferState() != nil {
		return true, nil
	}
	return d.statusIs(
		ctx,
		protocol.StatusTransferring,
		protocol.StatusHeating,
		protocol.StatusPrinting,
		protocol.StatusPaused,
		protocol.StatusResuming,
		protocol.StatusShutdown,
	)
}

func (d *Driver) GetTransferState(ctx context.Context) (float64, error) {
	if progress := d.transferState(); progress != nil {
		return *progress, nil
	}
	ok, err := d.command(ctx, protocol.TransferProgress)
	if err != nil {
		return 0, err
	}
	return protocol.FloatField(ok, protocol.FieldTransfer)
}

func (d *Driver) GetCurrentPrintFilename(ctx context.Context) (string, error) {
	ok, err := d.command(ctx, protocol.CurrentPrintFile)
	if err != nil {
		return "", err
	}
	filename, _ := protocol.Field(ok, protocol.FieldFile)
	return filename, nil
}

func (d *Driver) info(ctx context.Context) (string, error) {
	return d.command(ctx, protocol.Info)
}

func (d *Driver) GetPrinterMode(ctx context.Context) (driver.PrinterMode, error) {
	ok, err := d.info(ctx)
	if err != nil {
		return "", err
	}
	mode, _ := protocol.Field(ok, protocol.FieldMode)
	switch driver.PrinterMode(mode) {
	case driver.PrinterModeFirmware, driver.PrinterModeBootloader:
		return driver.PrinterMode(mode), nil
	default:
		return "", fmt.Errorf("serialdriver: unknown printer mode: %q", mode)
	}
}

func (d *Driver) GoToFirmware(ctx context.Context) error {
	return d.run(ctx, protocol.GoToFirmware)
}

func (d *Driver) GetFirmwareVersion(ctx context.Context) (string, error) {
	ok, err := d.info(ctx)
	if err != nil {
		return "", err
	}
	version, _ := protocol.Field(ok, protocol.FieldFirmwareVersion)
	return version, nil
}

const flashChunkSize = 64

// FlashFirmware writes the image at path to the device, labelling it with the given version.
func (d *Driver) FlashFirmware(ctx context.Context, path string, label string) error {
	logger := log.MustLogger(ctx)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("serialdriver: flash firmware: %w", err)
	}

	logger.Info("Flashing firmware", "path", path, "label", label, "size", len(data))
	if err := d.checkedRun(ctx, fmt.Sprintf("%s A%d %s", protocol.BeginFlash, len(data), label)); err != nil {
		return fmt.Errorf("serialdriver: flash firmware: %w", err)
	}
	for offset := 0; offset < len(data); offset += flashChunkSize {
		end := min(offset+flashChunkSize, len(data))
		command := fmt.Sprintf("%s %s", protocol.FlashChunk, hex.EncodeToString(data[offset:end]))
		if err := d.checkedRun(ctx, command); err != nil {
			return fmt.Errorf("serialdriver: flash firmware: offset %d: %w", offset, err)
		}
	}
	if err := d.checkedRun(ctx, protocol.EndFlash); err != nil {
		return fmt.Errorf("serialdriver: flash firmware: %w", err)
	}
	logger.Info("Firmware flashed", "label", label)
	return nil
}

// checkedRun runs a command and fails if its reply carries an error line.
func (d *Driver) checkedRun(ctx context.Context, command string) error {
	reply, err := d.exchange(ctx, command)
	if err != nil {
		return err
	}
	for _, line := range reply {
		if strings.HasPrefix(line, "Error") {
			return fmt.Errorf("%s: %s", command, line)
		}
	}
	return nil
}
