package gcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/printhost/jobs"
)

// Filament usage of a single tool.
type Filament struct {
	// Length in mm.
	Length float64 `yaml:"length"`
	// Volume in cm³.
	Volume float64 `yaml:"volume"`
}

// Analysis is the result of statically analysing a G-code file.
type Analysis struct {
	// Lines holds the number of lines carrying commands.
	Lines int `yaml:"lines"`
	// SkippedLines holds the number of lines that could not be parsed.
	SkippedLines int `yaml:"skippedLines"`
	// Filament holds usage per tool, keyed as "tool0", "tool1"...
	Filament map[string]Filament `yaml:"filament"`
	// EstimatedPrintTime is a motion planner free estimate using trapezoid speed profiles.
	EstimatedPrintTime time.Duration `yaml:"estimatedPrintTime"`
}

// TotalFilamentLength returns the sum of the filament length over all tools.
func (a *Analysis) TotalFilamentLength() float64 {
	var total float64
	for _, f := range a.Filament {
		total += f.Length
	}
	return total
}

func (a *Analysis) Tools() []string {
	tools := make([]string, 0, len(a.Filament))
	for tool := range a.Filament {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}

type AnalyzeOptions struct {
	// FilamentDiameter in mm, used to compute volumes.
	FilamentDiameter float64
	// Acceleration in mm/s².
	Acceleration float64
	// Feedrate in mm/min used until the file sets one.
	Feedrate float64
	// Jobs, when set, is checked for cancellation of ID at every CheckpointLines lines.
	Jobs            *jobs.Registry
	ID              jobs.ID
	CheckpointLines int
}

func (o *AnalyzeOptions) setDefaults() {
	if o.FilamentDiameter == 0 {
		o.FilamentDiameter = 1.75
	}
	if o.Acceleration == 0 {
		o.Acceleration = 500
	}
	if o.Feedrate == 0 {
		o.Feedrate = 3000
	}
	if o.CheckpointLines == 0 {
		o.CheckpointLines = 1000
	}
}

type extruder struct {
	position float64
	total    float64
	max      float64
}

type analyzer struct {
	opts      AnalyzeOptions
	parser    *Parser
	analysis  *Analysis
	position  [3]float64
	feedrate  float64
	extruders map[string]*extruder
	seconds   float64
}

func (a *analyzer) extruder() *extruder {
	tool := fmt.Sprintf("tool%d", int(a.parser.ModalGroup.Tool.Number()))
	e, ok := a.extruders[tool]
	if !ok {
		e = &extruder{}
		a.extruders[tool] = e
	}
	return e
}

// moveTime returns the time to move distance mm at speed mm/s, accelerating from and
// decelerating to a stop.
func (a *analyzer) moveTime(distance, speed float64) float64 {
	if distance <= 0 || speed <= 0 {
		return 0
	}
	accel := a.opts.Acceleration
	if distance >= speed*speed/accel {
		return distance/speed + speed/accel
	}
	return 2 * math.Sqrt(distance/accel)
}

func (a *analyzer) units() float64 {
	if a.parser.ModalGroup.Units.NormalizedString() == "G20" {
		return 25.4
	}
	return 1
}

func (a *analyzer) move(block *Block) error {
	relative := a.parser.ModalGroup.DistanceMode.NormalizedString() == "G91"
	scale := a.units()

	if f, err := block.GetArgumentNumber('F'); err != nil {
		return err
	} else if f != nil {
		a.feedrate = *f * scale
	}

	var distance2 float64
	for i, letter := range []rune{'X', 'Y', 'Z'} {
		v, err := block.GetArgumentNumber(letter)
		if err != nil {
			return err
		}
		if v == nil {
			continue
		}
		target := *v * scale
		if relative {
			target += a.position[i]
		}
		d := target - a.position[i]
		distance2 += d * d
		a.position[i] = target
	}
	distance := math.Sqrt(distance2)

	e, err := block.GetArgumentNumber('E')
	if err != nil {
		return err
	}
	if e != nil {
		ext := a.extruder()
		delta := *e * scale
		if !a.parser.ModalGroup.ExtruderRelative() {
			delta = *e*scale - ext.position
		}
		ext.position += delta
		ext.total += delta
		ext.max = math.Max(ext.max, ext.total)
		if distance == 0 {
			distance = math.Abs(delta)
		}
	}

	a.seconds += a.moveTime(distance, a.feedrate/60)
	return nil
}

func (a *analyzer) setPosition(block *Block) error {
	scale := a.units()
	args := 0
	for i, letter := range []rune{'X', 'Y', 'Z'} {
		v, err := block.GetArgumentNumber(letter)
		if err != nil {
			return err
		}
		if v != nil {
			a.position[i] = *v * scale
			args++
		}
	}
	e, err := block.GetArgumentNumber('E')
	if err != nil {
		return err
	}
	if e != nil {
		a.extruder().position = *e * scale
		args++
	}
	if args == 0 {
		a.position = [3]float64{}
		a.extruder().position = 0
	}
	return nil
}

func (a *analyzer) dwell(block *Block) error {
	p, err := block.GetArgumentNumber('P')
	if err != nil {
		return err
	}
	if p != nil {
		a.seconds += *p / 1000
		return nil
	}
	s, err := block.GetArgumentNumber('S')
	if err != nil {
		return err
	}
	if s != nil {
		a.seconds += *s
	}
	return nil
}

func (a *analyzer) block(block *Block) error {
	switch {
	case block.HasCommand("G0"), block.HasCommand("G1"):
		return a.move(block)
	case block.HasCommand("G28"):
		a.position = [3]float64{}
		return nil
	case block.HasCommand("G92"):
		return a.setPosition(block)
	case block.HasCommand("G4"):
		return a.dwell(block)
	}
	return nil
}

// Analyze reads G-code from r and computes line count, filament usage and an estimated print
// time. Lines that fail to parse are counted and skipped.
func Analyze(ctx context.Context, r io.Reader, opts AnalyzeOptions) (*Analysis, error) {
	logger := log.MustLogger(ctx)
	opts.setDefaults()

	a := &analyzer{
		opts:      opts,
		parser:    NewParser(r),
		analysis:  &Analysis{Filament: map[string]Filament{}},
		feedrate:  opts.Feedrate,
		extruders: map[string]*extruder{},
	}

	for {
		if a.parser.Lexer.Line%uint(opts.CheckpointLines) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("gcode: analyze: %w", err)
			}
			if opts.Jobs != nil {
				if err := opts.Jobs.Checkpoint(opts.ID); err != nil {
					return nil, fmt.Errorf("gcode: analyze: %w", err)
				}
			}
		}

		eof, block, _, err := a.parser.Next()
		if err != nil {
			var syntaxErr *SyntaxError
			if !errors.As(err, &syntaxErr) {
				return nil, fmt.Errorf("gcode: analyze: %w", err)
			}
			a.analysis.SkippedLines++
			logger.Debug("Skipping line", "err", err)
			continue
		}
		if block != nil {
			a.analysis.Lines++
			if err := a.block(block); err != nil {
				a.analysis.SkippedLines++
				logger.Debug("Skipping line", "line", a.parser.Lexer.Line, "err", err)
			}
		}
		if eof {
			break
		}
	}

	area := math.Pi * math.Pow(opts.FilamentDiameter/2, 2)
	for tool, e := range a.extruders {
		a.analysis.Filament[tool] = Filament{
			Length: e.max,
			Volume: e.max * area / 1000,
		}
	}
	a.analysis.EstimatedPrintTime = time.Duration(a.seconds * float64(time.Second))
	return a.analysis, nil
}
