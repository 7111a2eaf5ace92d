package printer

import (
	"context"
	"fmt"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/events"
	"github.com/fornellas/printhost/firmware"
)

// checkFirmware compares the device firmware with the catalog image, and fires
// FirmwareUpdateAvailable when they differ. With flash set, the image is also flashed.
func (p *Printer) checkFirmware(ctx context.Context, ci driver.CommandInterface, flash bool) error {
	current, err := ci.GetFirmwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("firmware version: %w", err)
	}
	p.mu.Lock()
	p.firmware = current
	p.firmwareUpdate = ""
	p.mu.Unlock()

	image, ok, err := p.firmwareImage()
	if err != nil || !ok {
		return err
	}
	if !firmware.UpdateAvailable(current, image.Version) {
		return nil
	}

	log.MustLogger(ctx).Info("Firmware update available", "current", current, "available", image.Version)
	p.mu.Lock()
	p.firmwareUpdate = image.Version
	p.mu.Unlock()
	p.opts.Bus.Fire(events.FirmwareUpdateAvailable, events.Payload{events.KeyVersion: image.Version})

	if !flash {
		return nil
	}
	return p.flashFirmware(ctx, ci, image)
}

func (p *Printer) firmwareImage() (firmware.Image, bool, error) {
	if p.opts.Firmware == nil {
		return firmware.Image{}, false, nil
	}
	image, ok, err := p.opts.Firmware.Image(p.comm.PrinterName())
	if err != nil {
		return firmware.Image{}, false, fmt.Errorf("firmware image: %w", err)
	}
	return image, ok, nil
}

func (p *Printer) flashFirmware(ctx context.Context, ci driver.CommandInterface, image firmware.Image) error {
	ctx, logger := log.MustWithAttrs(ctx, "image", image.Path, "version", image.Version)
	logger.Info("Flashing firmware")
	p.opts.Bus.Fire(events.FirmwareUpdateStarted, events.Payload{events.KeyVersion: image.Version})
	err := ci.FlashFirmware(ctx, image.Path, image.Version)
	p.opts.Bus.Fire(events.FirmwareUpdateFinished, events.Payload{
		events.KeyVersion: image.Version,
		events.KeyResult:  err == nil,
	})
	if err != nil {
		return fmt.Errorf("flash firmware: %w", err)
	}
	logger.Info("Firmware flashed")
	p.mu.Lock()
	p.firmware = image.Version
	p.firmwareUpdate = ""
	p.mu.Unlock()
	return nil
}

// CurrentFirmware returns the firmware version running on the device.
func (p *Printer) CurrentFirmware(ctx context.Context) (string, error) {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return "", err
	}
	version, err := ci.GetFirmwareVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("printer: firmware: %w", err)
	}
	p.mu.Lock()
	p.firmware = version
	p.mu.Unlock()
	return version, nil
}

// CheckFirmwareUpdate returns the catalog firmware version for the device, and whether it
// differs from the running one.
func (p *Printer) CheckFirmwareUpdate(ctx context.Context) (string, bool, error) {
	current, err := p.CurrentFirmware(ctx)
	if err != nil {
		return "", false, err
	}
	image, ok, err := p.firmwareImage()
	if err != nil {
		return "", false, fmt.Errorf("printer: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return image.Version, firmware.UpdateAvailable(current, image.Version), nil
}

// UpdateFirmware flashes the catalog firmware image. The device must be idle.
func (p *Printer) UpdateFirmware(ctx context.Context) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	if state := p.comm.State(); state != StateOperational {
		return fmt.Errorf("printer: update firmware: %w: %s", ErrNotOperational, state)
	}
	image, ok, err := p.firmwareImage()
	if err != nil {
		return fmt.Errorf("printer: update firmware: %w", err)
	}
	if !ok {
		return fmt.Errorf("printer: update firmware: %w", ErrNoFirmware)
	}
	if err := p.flashFirmware(ctx, ci, image); err != nil {
		return fmt.Errorf("printer: update firmware: %w", err)
	}
	return nil
}
