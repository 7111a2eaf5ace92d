package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/printhost/events"
	"github.com/fornellas/printhost/files"
	"github.com/fornellas/printhost/firmware"
	"github.com/fornellas/printhost/hooks"
	"github.com/fornellas/printhost/jobs"
	"github.com/fornellas/printhost/printer"
	"github.com/fornellas/printhost/profiles"
	"github.com/fornellas/printhost/serialdriver"
	"github.com/fornellas/printhost/settings"
	"github.com/fornellas/printhost/worker"
)

var connectTimeout time.Duration
var defaultConnectTimeout = time.Minute

func AddConnectFlags(cmd *cobra.Command) {
	AddPortFlags(cmd)
	cmd.PersistentFlags().DurationVar(&connectTimeout, "connect-timeout", defaultConnectTimeout, "How long to wait for the printer to be ready")
}

// Host wires together everything needed to control a printer.
type Host struct {
	Settings *settings.Settings
	Profiles *profiles.Store
	Firmware *firmware.Catalog
	Jobs     *jobs.Registry
	Files    *files.Store
	Bus      *events.Bus
	Hooks    *hooks.Runner
	Port     *PortConfig
	Driver   *serialdriver.Driver
	Printer  *printer.Printer
}

func NewHost(ctx context.Context) (*Host, error) {
	logger := log.MustLogger(ctx)

	s, err := settings.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Settings loaded", "path", s.Path())

	h := &Host{
		Settings: s,
		Jobs:     jobs.NewRegistry(),
		Bus:      events.NewBus(),
		Hooks:    hooks.New(s.ActionScripts()),
	}

	h.Profiles, err = profiles.Load(s.String(settings.ProfilesFolder))
	if err != nil {
		return nil, err
	}
	h.Firmware, err = firmware.Load(s.String(settings.FirmwareFolder))
	if err != nil {
		return nil, err
	}
	h.Files = files.New(s.String(settings.UploadsFolder), h.Jobs)

	h.Port, err = GetPortConfig(s)
	if err != nil {
		return nil, err
	}
	logger.Debug("Port", "name", h.Port.Name, "baudrate", h.Port.BaudRate)
	h.Driver = serialdriver.NewDriver(serialdriver.Options{
		OpenPortFn:     h.Port.OpenPortFn,
		BaudRate:       h.Port.BaudRate,
		CommandTimeout: s.Duration(settings.CommandTimeout),
		StatusInterval: s.Duration(settings.StatusInterval),
		Jobs:           h.Jobs,
	})

	h.Printer, err = printer.New(ctx, printer.Options{
		Bus:      h.Bus,
		Driver:   h.Driver,
		Settings: s,
		Profiles: h.Profiles,
		Files:    h.Files,
		Jobs:     h.Jobs,
		Firmware: h.Firmware,
		Hooks:    h.Hooks,
		Port:     h.Port.Name,
		BaudRate: h.Port.BaudRate,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Run runs fn while the event bus delivers events. The bus stops once fn returns, and the printer
// is closed.
func (h *Host) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	manager := worker.NewManager()
	manager.AddWorker("Event Bus", h.Bus.Worker)
	manager.AddWorker(name, fn)
	manager.Start(ctx)
	err := worker.JoinErrors(manager.Wait(ctx))
	return errors.Join(err, h.Printer.Close(context.WithoutCancel(ctx)))
}

// Attach registers a client so the printer is looked for, and waits until it is ready. The
// returned function detaches the client.
func (h *Host) Attach(ctx context.Context, client string) (func(), error) {
	logger := log.MustLogger(ctx)
	h.Printer.ClientConnected(ctx, client)
	detach := func() {
		h.Printer.ClientDisconnected(context.WithoutCancel(ctx), client)
	}

	logger.Info("Waiting for printer", "port", h.Port.Name, "timeout", connectTimeout)
	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.Printer.Ready() {
			logger.Info("Printer ready", "state", h.Printer.StateString())
			return detach, nil
		}
		select {
		case <-waitCtx.Done():
			detach()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("printer not ready after %s: %s", connectTimeout, h.Printer.StateString())
		case <-ticker.C:
		}
	}
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		connectTimeout = defaultConnectTimeout
	})
}
