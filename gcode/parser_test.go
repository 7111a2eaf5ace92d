package gcode

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParserNext(t *testing.T) {
	testCases := []struct {
		line     string
		block    string
		commands []string
		text     *string
	}{
		{line: "G1 X10 Y-2.5 E0.3", block: "G1X10Y-2.5E0.3", commands: []string{"G1"}},
		{line: "g1 x10", block: "g1x10", commands: []string{"G1"}},
		{line: "; only a comment", block: ""},
		{line: "T1", block: "T1", commands: []string{"T1"}},
		{line: "M117 Hello world", block: "M117 Hello world", commands: []string{"M117"}, text: ptr("Hello world")},
		{line: "M1000 A101 - Transparent ; filament", block: "M1000 A101 - Transparent", commands: []string{"M1000"}, text: ptr("A101 - Transparent")},
		{line: "N12 G28*18", block: "N12G28", commands: []string{"G28"}},
	}
	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			p := NewParser(strings.NewReader(tc.line))
			eof, block, tokens, err := p.Next()
			require.NoError(t, err)
			require.False(t, eof)
			require.Equal(t, tc.line, tokens.String())
			if tc.block == "" {
				require.Nil(t, block)
				return
			}
			require.NotNil(t, block)
			require.Equal(t, tc.block, block.String())
			var commands []string
			for _, w := range block.Commands() {
				commands = append(commands, w.NormalizedString())
			}
			require.Equal(t, tc.commands, commands)
			text, ok := block.Text()
			if tc.text == nil {
				require.False(t, ok)
			} else {
				require.True(t, ok)
				require.Equal(t, *tc.text, text)
			}

			eof, block, _, err = p.Next()
			require.NoError(t, err)
			require.True(t, eof)
			require.Nil(t, block)
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestParserErrorRecovery(t *testing.T) {
	p := NewParser(strings.NewReader("G1 X10\nG1 XY\n(unclosed\nG1 X20\n"))

	_, block, _, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "G1X10", block.String())

	_, _, _, err = p.Next()
	var syntaxErr *SyntaxError
	require.True(t, errors.As(err, &syntaxErr))
	require.Equal(t, uint(2), syntaxErr.Line)

	_, _, _, err = p.Next()
	require.True(t, errors.As(err, &syntaxErr))
	require.Equal(t, uint(3), syntaxErr.Line)

	_, block, _, err = p.Next()
	require.NoError(t, err)
	require.Equal(t, "G1X20", block.String())
}

func TestParserModalGroup(t *testing.T) {
	p := NewParser(strings.NewReader("G91\nM82\nT2\nG20\nM106 S255\n"))
	_, err := p.Blocks()
	require.NoError(t, err)
	require.Equal(t, "G91", p.ModalGroup.DistanceMode.NormalizedString())
	require.False(t, p.ModalGroup.ExtruderRelative())
	require.Equal(t, "T2", p.ModalGroup.Tool.NormalizedString())
	require.Equal(t, "G20", p.ModalGroup.Units.NormalizedString())
	require.Equal(t, "M106", p.ModalGroup.Fan.NormalizedString())

	p = NewParser(strings.NewReader("G91\n"))
	_, err = p.Blocks()
	require.NoError(t, err)
	require.True(t, p.ModalGroup.ExtruderRelative())
}

func TestBlockArguments(t *testing.T) {
	p := NewParser(strings.NewReader("G1 X1 X2 Y3"))
	blocks, err := p.Blocks()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	block := blocks[0]

	_, err = block.GetArgumentNumber('X')
	require.Error(t, err)

	y, err := block.GetArgumentNumber('Y')
	require.NoError(t, err)
	require.Equal(t, 3.0, *y)

	z, err := block.GetArgumentNumber('Z')
	require.NoError(t, err)
	require.Nil(t, z)

	require.NoError(t, block.SetArgumentNumber('Y', 4))
	require.NoError(t, block.SetArgumentNumber('F', 1200))
	require.Equal(t, "G1X1X2Y4.0000F1200.0000", block.String())
	require.True(t, block.HasCommand("G1"))
	require.False(t, block.HasCommand("G0"))
}
