package printer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fornellas/slogxt/log"
)

const (
	jogInterval = 500 * time.Millisecond
	minFeedRate = 50
	maxFeedRate = 200
)

// Temperature of the nozzle, in °C. Target is nil when not set.
type Temperature struct {
	Current float64  `json:"current"`
	Target  *float64 `json:"target,omitempty"`
}

// setTemperatureLocked requires mu.
func (p *Printer) setTemperatureLocked(current float64, heating bool) {
	if heating && current < p.temperature.Current {
		return
	}
	p.temperature.Current = current
}

// CurrentTemperature reads the nozzle temperature. While heating, readings never go down.
func (p *Printer) CurrentTemperature(ctx context.Context) (float64, error) {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return 0, err
	}
	current, err := ci.GetNozzleTemperature(ctx)
	if err != nil {
		return 0, fmt.Errorf("printer: temperature: %w", err)
	}
	heating := p.comm.State() == StateHeating
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setTemperatureLocked(current, heating)
	return p.temperature.Current, nil
}

func (p *Printer) SetNozzleTemperature(ctx context.Context, temperature float64) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	if err := ci.SetNozzleTemperature(ctx, temperature); err != nil {
		return fmt.Errorf("printer: set nozzle temperature: %w", err)
	}
	return nil
}

// SetFeedRate sets the jog speed factor, clamped from 50 to 200. Jogs use the printer profile
// axis speeds until it is set.
func (p *Printer) SetFeedRate(factor int) {
	factor = max(minFeedRate, min(maxFeedRate, factor))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedRate = factor
}

// waitJog waits until moves are far enough apart, and books the next move.
func (p *Printer) waitJog(ctx context.Context) error {
	p.mu.Lock()
	wait := p.lastJog.Add(jogInterval).Sub(p.opts.Now())
	p.mu.Unlock()
	if wait > 0 {
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.lastJog = p.opts.Now()
	p.mu.Unlock()
	return nil
}

// Jog moves a single axis ("x", "y" or "z") by amount mm. Moves are spaced at least half a
// second apart.
func (p *Printer) Jog(ctx context.Context, axis string, amount float64) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}

	p.mu.Lock()
	feedRate := p.feedRate
	speeds := p.profile.AxisSpeed
	p.mu.Unlock()

	var dx, dy, dz, speed float64
	switch strings.ToLower(axis) {
	case "x":
		dx, speed = amount, speeds.X
	case "y":
		dy, speed = amount, speeds.Y
	case "z":
		dz, speed = amount, speeds.Z
	default:
		return fmt.Errorf("printer: jog: invalid axis %q", axis)
	}
	if feedRate > 0 {
		speed = float64(feedRate) * 60
	}

	if err := p.waitJog(ctx); err != nil {
		return err
	}
	if err := ci.Move(ctx, dx, dy, dz, nil, speed); err != nil {
		return fmt.Errorf("printer: jog: %w", err)
	}
	return nil
}

// Home homes the given axes: z alone homes Z, x and y home XY, none homes all.
func (p *Printer) Home(ctx context.Context, axes ...string) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	lower := make([]string, len(axes))
	for i, axis := range axes {
		lower[i] = strings.ToLower(axis)
		if !slices.Contains([]string{"x", "y", "z"}, lower[i]) {
			return fmt.Errorf("printer: home: invalid axis %q", axis)
		}
	}

	switch {
	case len(lower) == 0 || len(lower) == 3:
		err = ci.Home(ctx)
	case slices.Contains(lower, "z"):
		err = ci.HomeZ(ctx)
	case slices.Contains(lower, "x") && slices.Contains(lower, "y"):
		err = ci.HomeXY(ctx)
	default:
		return fmt.Errorf("printer: home: unsupported axes %v", axes)
	}
	if err != nil {
		return fmt.Errorf("printer: home: %w", err)
	}
	return nil
}

// Extrude feeds amount mm of filament, negative retracts.
func (p *Printer) Extrude(ctx context.Context, amount float64) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	speed := p.printerProfile().AxisSpeed.E
	if err := ci.Move(ctx, 0, 0, 0, &amount, speed); err != nil {
		return fmt.Errorf("printer: extrude: %w", err)
	}
	return nil
}

// StartHeating heats the nozzle for loading or unloading filament. A nil target uses the unload
// temperature of the loaded filament.
func (p *Printer) StartHeating(ctx context.Context, target *float64) (float64, error) {
	temperature := p.unloadTemperature()
	if target != nil && *target > 0 {
		temperature = *target
	}
	if _, err := p.CurrentTemperature(ctx); err != nil {
		log.MustLogger(ctx).Warn("Failed to read temperature", "err", err)
	}
	return temperature, p.comm.StartHeating(ctx, temperature)
}

func (p *Printer) CancelHeating(ctx context.Context) error {
	return p.comm.CancelHeating(ctx)
}

// HeatingDone moves to the load position once heated, and syncs the state with the device.
func (p *Printer) HeatingDone(ctx context.Context) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	if err := ci.GoToLoadUnloadPos(ctx); err != nil {
		return fmt.Errorf("printer: heating done: %w", err)
	}
	return p.comm.UpdatePrinterState(ctx)
}

// HeatingProgress returns the heating completion, from 0 to 1.
func (p *Printer) HeatingProgress(ctx context.Context) (float64, error) {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return 0, err
	}
	return ci.GetHeatingProgress(ctx)
}
