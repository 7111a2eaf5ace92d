package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/fornellas/printhost/driver"
	"github.com/fornellas/printhost/serialdriver"
	"github.com/fornellas/printhost/serialtcp"
	"github.com/fornellas/printhost/settings"
	"github.com/fornellas/printhost/simulator"
)

var portName string
var defaultPortName = ""

var address string
var defaultAddress = ""

var baudRate int
var defaultBaudRate = 0

var dummy bool
var defaultDummy = false

var dialTimeout = 5 * time.Second

func AddPortFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&portName, "port-name", "p", defaultPortName, "Serial port name to open, overrides "+settings.SerialPort)
	cmd.PersistentFlags().StringVarP(&address, "address", "a", defaultAddress, "TCP address of a bridged serial port, overrides "+settings.SerialAddress)
	cmd.PersistentFlags().IntVarP(&baudRate, "baudrate", "b", defaultBaudRate, "Serial port baud rate, overrides "+settings.SerialBaudRate)
	cmd.PersistentFlags().BoolVar(&dummy, "dummy", defaultDummy, "Talk to an in process simulated printer, overrides "+settings.SerialDummy)
}

// PortConfig is the resolved way to reach the device.
type PortConfig struct {
	OpenPortFn serialdriver.OpenPortFn
	// Name describes the port for humans.
	Name     string
	BaudRate int
}

// GetPortConfig resolves the port from flags, falling back to s. When neither names a port,
// USB devices from the configured vendors are looked for.
func GetPortConfig(s *settings.Settings) (*PortConfig, error) {
	name := portName
	if name == "" && address == "" {
		name = s.String(settings.SerialPort)
	}
	addr := address
	if addr == "" && portName == "" {
		addr = s.String(settings.SerialAddress)
	}
	if name != "" && addr != "" {
		return nil, fmt.Errorf("port name %#v and address %#v can't be set simultaneously", name, addr)
	}

	config := &PortConfig{BaudRate: baudRate}
	if config.BaudRate == 0 {
		config.BaudRate = s.Int(settings.SerialBaudRate)
	}

	switch {
	case dummy || s.Bool(settings.SerialDummy):
		device := simulator.NewDevice(simulator.Options{})
		config.Name = "VIRTUAL"
		config.OpenPortFn = func(context.Context, *serial.Mode) (serial.Port, error) {
			return device.Port(), nil
		}
	case name != "":
		config.Name = name
		config.OpenPortFn = serialdriver.PortNameOpener(name)
	case addr != "":
		config.Name = addr
		config.OpenPortFn = func(ctx context.Context, mode *serial.Mode) (serial.Port, error) {
			port, err := serialtcp.Dial(ctx, addr, dialTimeout)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", driver.ErrNoDevice, err)
			}
			return port, nil
		}
	default:
		vendorIDs := s.Strings(settings.SerialUSBVendorIDs)
		config.Name = "USB " + strings.Join(vendorIDs, ",")
		config.OpenPortFn = serialdriver.USBOpener(vendorIDs)
	}
	return config, nil
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		portName = defaultPortName
		address = defaultAddress
		baudRate = defaultBaudRate
		dummy = defaultDummy
	})
}
