// Package profiles holds printer and filament profiles, read from YAML files.
package profiles

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.yaml.in/yaml/v3"
)

const (
	DefaultFilamentDiameter = 1.75
	// DefaultFilamentDensity in g/cm³.
	DefaultFilamentDensity   = 1.275
	DefaultUnloadTemperature = 210
)

//go:embed defaults.yaml
var defaultsYAML []byte

type AxisSpeed struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
	E float64 `yaml:"e"`
}

type Printer struct {
	ID string `yaml:"id"`
	// Name is the model name reported by the device.
	Name string `yaml:"name"`
	// Nozzles are the supported nozzle sizes, in microns.
	Nozzles []int `yaml:"nozzles"`
	// AxisSpeed in mm/min.
	AxisSpeed AxisSpeed `yaml:"axisSpeed"`
}

type Filament struct {
	Name     string `yaml:"name"`
	Material string `yaml:"material"`
	// Diameter in mm.
	Diameter float64 `yaml:"diameter"`
	// Density in g/cm³.
	Density           float64 `yaml:"density"`
	PrintTemperature  float64 `yaml:"printTemperature"`
	UnloadTemperature float64 `yaml:"unloadTemperature"`
}

type document struct {
	Printers  []Printer  `yaml:"printers"`
	Filaments []Filament `yaml:"filaments"`
}

// Store is a read only set of profiles.
type Store struct {
	printers  []Printer
	filaments []Filament
}

func parse(data []byte) (*document, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Default returns the built in profiles.
func Default() *Store {
	doc, err := parse(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("bug: bad built in profiles: %s", err))
	}
	return &Store{printers: doc.Printers, filaments: doc.Filaments}
}

// Load returns the built in profiles plus all *.yaml files in dir. Profiles from dir override
// built in ones with the same identifier. A missing dir is not an error.
func Load(dir string) (*Store, error) {
	s := Default()
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}
	slices.Sort(paths)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("profiles: %w", err)
		}
		doc, err := parse(data)
		if err != nil {
			return nil, fmt.Errorf("profiles: %s: %w", path, err)
		}
		for _, p := range doc.Printers {
			s.printers = slices.DeleteFunc(s.printers, func(o Printer) bool { return o.ID == p.ID })
			s.printers = append(s.printers, p)
		}
		for _, f := range doc.Filaments {
			s.filaments = slices.DeleteFunc(s.filaments, func(o Filament) bool { return strings.EqualFold(o.Name, f.Name) })
			s.filaments = append(s.filaments, f)
		}
	}
	return s, nil
}

// PrinterByName returns the profile matching the model name reported by the device.
func (s *Store) PrinterByName(name string) (Printer, bool) {
	for _, p := range s.printers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Printer{}, false
}

func (s *Store) Printers() []Printer {
	return slices.Clone(s.printers)
}

// Filament returns the filament profile with the given name, as stored in the device.
func (s *Store) Filament(name string) (Filament, bool) {
	for _, f := range s.filaments {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Filament{}, false
}

func (s *Store) Filaments() []Filament {
	return slices.Clone(s.filaments)
}
