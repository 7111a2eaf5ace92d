package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	s := Default()

	p, ok := s.PrinterByName("beethefirst")
	require.True(t, ok)
	require.Equal(t, "beethefirst", p.ID)
	require.Equal(t, []int{400}, p.Nozzles)
	require.Equal(t, 6000.0, p.AxisSpeed.X)

	_, ok = s.PrinterByName("unknown")
	require.False(t, ok)

	f, ok := s.Filament("P201 - Natural")
	require.True(t, ok)
	require.Equal(t, "petg", f.Material)
	require.Equal(t, 230.0, f.UnloadTemperature)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(`
printers:
  - id: beethefirst
    name: BEETHEFIRST
    nozzles: [400, 600]
filaments:
  - name: Custom
    material: pla
    diameter: 2.85
    density: 1.3
    unloadTemperature: 200
`), 0o644))

	s, err := Load(dir)
	require.NoError(t, err)

	p, ok := s.PrinterByName("BEETHEFIRST")
	require.True(t, ok)
	require.Equal(t, []int{400, 600}, p.Nozzles)
	require.Len(t, s.Printers(), len(Default().Printers()))

	f, ok := s.Filament("custom")
	require.True(t, ok)
	require.Equal(t, 2.85, f.Diameter)
	require.Len(t, s.Filaments(), len(Default().Filaments())+1)

	_, err = Load(filepath.Join(dir, "missing"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("printers: {"), 0o644))
	_, err = Load(dir)
	require.Error(t, err)
}
