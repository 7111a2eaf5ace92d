package serialdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/fornellas/printhost/driver"
)

// PortNameOpener opens the named serial port.
func PortNameOpener(name string) OpenPortFn {
	return func(ctx context.Context, mode *serial.Mode) (serial.Port, error) {
		log.MustLogger(ctx).Debug("Opening serial port", "name", name, "baudrate", mode.BaudRate)
		port, err := serial.Open(name, mode)
		if err != nil {
			var portErr *serial.PortError
			if errors.As(err, &portErr) && portErr.Code() == serial.PortNotFound {
				return nil, fmt.Errorf("%w: %s", driver.ErrNoDevice, name)
			}
			return nil, err
		}
		return port, nil
	}
}

// ListDevices returns the names of USB serial ports whose vendor id is in vendorIDs.
func ListDevices(vendorIDs []string) ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialdriver: list ports: %w", err)
	}
	var names []string
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		for _, vendorID := range vendorIDs {
			if strings.EqualFold(port.VID, vendorID) {
				names = append(names, port.Name)
				break
			}
		}
	}
	return names, nil
}

// USBOpener opens the first USB serial port whose vendor id is in vendorIDs.
func USBOpener(vendorIDs []string) OpenPortFn {
	return func(ctx context.Context, mode *serial.Mode) (serial.Port, error) {
		names, err := ListDevices(vendorIDs)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, driver.ErrNoDevice
		}
		log.MustLogger(ctx).Debug("Found USB device", "name", names[0])
		return PortNameOpener(names[0])(ctx, mode)
	}
}
