package printer

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/profiles"
	"github.com/fornellas/printhost/settings"
)

const (
	// unknownFilamentInSpool is reported when the device does not know the spool contents, so
	// that no job is flagged as lacking filament.
	unknownFilamentInSpool = 1000000.0
	// unknownFilamentWeight in g.
	unknownFilamentWeight = 350.0
	defaultNozzleSize     = 400
)

// filamentProfile returns the profile of the filament loaded in the device.
func (p *Printer) filamentProfile() (profiles.Filament, bool) {
	p.mu.Lock()
	name := p.filament
	p.mu.Unlock()
	if name == "" {
		return profiles.Filament{}, false
	}
	return p.opts.Profiles.Filament(name)
}

func (p *Printer) unloadTemperature() float64 {
	if filament, ok := p.filamentProfile(); ok && filament.UnloadTemperature > 0 {
		return filament.UnloadTemperature
	}
	return profiles.DefaultUnloadTemperature
}

// filamentSettings returns the diameter, in mm, and density, in g/cm³, of the loaded filament.
func (p *Printer) filamentSettings() (float64, float64) {
	diameter, density := profiles.DefaultFilamentDiameter, profiles.DefaultFilamentDensity
	if filament, ok := p.filamentProfile(); ok {
		if filament.Diameter > 0 {
			diameter = filament.Diameter
		}
		if filament.Density > 0 {
			density = filament.Density
		}
	}
	return diameter, density
}

// materialTemperature is the nozzle temperature a filament needs to be handled.
func (p *Printer) materialTemperature(name string) float64 {
	material := strings.ToLower(name)
	if filament, ok := p.opts.Profiles.Filament(name); ok && filament.Material != "" {
		material = strings.ToLower(filament.Material)
	}
	switch {
	case strings.Contains(material, "petg"), strings.Contains(material, "nylon"):
		return 230
	case strings.Contains(material, "tpu"):
		return 225
	}
	return 210
}

func (p *Printer) Load(ctx context.Context) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	if err := ci.Load(ctx); err != nil {
		return fmt.Errorf("printer: load: %w", err)
	}
	return nil
}

func (p *Printer) Unload(ctx context.Context) error {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	if err := ci.Unload(ctx); err != nil {
		return fmt.Errorf("printer: unload: %w", err)
	}
	return nil
}

// FilamentString returns the name of the filament loaded in the device.
func (p *Printer) FilamentString(ctx context.Context) (string, error) {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return "", err
	}
	name, err := ci.GetFilamentString(ctx)
	if err != nil {
		return "", fmt.Errorf("printer: filament: %w", err)
	}
	p.mu.Lock()
	p.filament = name
	p.mu.Unlock()
	return name, nil
}

// SetFilamentString records the filament loaded in the device. The nozzle is set to the highest
// temperature needed by the old and new filaments, which is returned.
func (p *Printer) SetFilamentString(ctx context.Context, name string) (float64, error) {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	previous := p.filament
	p.mu.Unlock()

	temperature := max(p.materialTemperature(previous), p.materialTemperature(name))
	if err := ci.SetNozzleTemperature(ctx, temperature); err != nil {
		return 0, fmt.Errorf("printer: set filament: %w", err)
	}
	if err := ci.SetFilamentString(ctx, name); err != nil {
		return 0, fmt.Errorf("printer: set filament: %w", err)
	}
	p.mu.Lock()
	p.filament = name
	p.mu.Unlock()
	log.MustLogger(ctx).Info("Filament set", "filament", name, "temperature", temperature)
	return temperature, nil
}

// FilamentInSpool returns the filament left in the spool, in mm.
func (p *Printer) FilamentInSpool(ctx context.Context) (float64, error) {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return 0, err
	}
	mm, err := ci.GetFilamentInSpool(ctx)
	if err != nil {
		return 0, fmt.Errorf("printer: filament in spool: %w", err)
	}
	if mm < 0 {
		return unknownFilamentInSpool, nil
	}
	return mm, nil
}

// filamentArea returns the filament cross section, in cm².
func filamentArea(diameter float64) float64 {
	radius := diameter / 10 / 2
	return math.Pi * radius * radius
}

// FilamentWeightInSpool returns the filament left in the spool, in g.
func (p *Printer) FilamentWeightInSpool(ctx context.Context) (float64, error) {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return 0, err
	}
	mm, err := ci.GetFilamentInSpool(ctx)
	if err != nil {
		return 0, fmt.Errorf("printer: filament in spool: %w", err)
	}
	if mm < 0 {
		return unknownFilamentWeight, nil
	}
	diameter, density := p.filamentSettings()
	weight := mm / 10 * filamentArea(diameter) * density
	return math.Round(weight*100) / 100, nil
}

// SetFilamentWeightInSpool records the filament left in the spool, in g, and checks again
// whether the selected job has enough.
func (p *Printer) SetFilamentWeightInSpool(ctx context.Context, grams float64) error {
	if grams < 0 {
		return fmt.Errorf("printer: set filament in spool: invalid weight %v", grams)
	}
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	diameter, density := p.filamentSettings()
	mm := grams / density / filamentArea(diameter) * 10
	if err := ci.SetFilamentInSpool(ctx, mm); err != nil {
		return fmt.Errorf("printer: set filament in spool: %w", err)
	}

	p.jobMu.Lock()
	file := p.job.clone()
	p.jobMu.Unlock()
	if file == nil {
		return nil
	}
	p.checkSufficiency(ctx, file)
	p.jobMu.Lock()
	if p.job != nil && p.job.Path == file.Path {
		p.job.InsufficientFilament = file.InsufficientFilament
	}
	p.jobMu.Unlock()
	return nil
}

// NozzleTypes returns the nozzles the connected printer supports, keyed as in settings.
func (p *Printer) NozzleTypes() (map[string]settings.NozzleType, error) {
	nozzles, err := p.opts.Settings.NozzleTypes()
	if err != nil {
		return nil, err
	}
	supported := p.printerProfile().Nozzles
	if len(supported) == 0 {
		return nozzles, nil
	}
	maps.DeleteFunc(nozzles, func(_ string, nozzle settings.NozzleType) bool {
		return !slices.Contains(supported, nozzleMicrons(nozzle.Value))
	})
	return nozzles, nil
}

func nozzleMicrons(mm float64) int {
	return int(math.Round(mm * 1000))
}

// SetNozzleSize records the nozzle installed, in microns.
func (p *Printer) SetNozzleSize(ctx context.Context, microns int) error {
	nozzles, err := p.opts.Settings.NozzleTypes()
	if err != nil {
		return err
	}
	valid := false
	for _, nozzle := range nozzles {
		if nozzleMicrons(nozzle.Value) == microns {
			valid = true
		}
	}
	if !valid {
		return fmt.Errorf("printer: set nozzle size: invalid size %d", microns)
	}

	ci, err := p.comm.CommandInterface()
	if err != nil {
		return err
	}
	if err := ci.SetNozzleSize(ctx, microns); err != nil {
		return fmt.Errorf("printer: set nozzle size: %w", err)
	}
	return nil
}

// NozzleSize returns the installed nozzle size, in microns.
func (p *Printer) NozzleSize(ctx context.Context) (int, error) {
	ci, err := p.comm.CommandInterface()
	if err != nil {
		return 0, err
	}
	microns, err := ci.GetNozzleSize(ctx)
	if err != nil {
		return 0, fmt.Errorf("printer: nozzle size: %w", err)
	}
	return microns, nil
}

// NozzleTypeString names the installed nozzle for filament profile filtering, eg: "nz400". The
// default nozzle is named when it can't be read.
func (p *Printer) NozzleTypeString(ctx context.Context) string {
	microns, err := p.NozzleSize(ctx)
	if err != nil || microns <= 0 {
		microns = defaultNozzleSize
	}
	return "nz" + strconv.Itoa(microns)
}
