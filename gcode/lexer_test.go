package gcode

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLexer(t *testing.T) {
	matches, err := filepath.Glob("testdata/*.gcode")
	require.NoError(t, err)
	require.NotEmpty(t, matches, "no .gcode files found in gcode/testdata")

	for _, path := range matches {
		t.Run(path, func(t *testing.T) {
			f, err := os.Open(path)
			require.NoError(t, err, "failed to open %s", path)
			defer func() { require.NoError(t, f.Close()) }()

			var buf bytes.Buffer
			lx := NewLexer(f)
			for {
				token, err := lx.Next()
				require.NoError(t, err)
				if token.Type == TokenTypeEOF {
					break
				}
				buf.WriteString(token.Value)
			}

			orig, err := os.ReadFile(path)
			require.NoError(t, err)
			require.Equal(t, string(orig), buf.String())
		})
	}
}

func TestTokenize(t *testing.T) {
	testCases := []struct {
		line  string
		types []TokenType
		err   bool
	}{
		{"G1 X10", []TokenType{TokenTypeWordLetter, TokenTypeWordNumber, TokenTypeSpace, TokenTypeWordLetter, TokenTypeWordNumber}, false},
		{"M117 Hello world ; c", []TokenType{TokenTypeWordLetter, TokenTypeWordNumber, TokenTypeString, TokenTypeComment}, false},
		{"M117", []TokenType{TokenTypeWordLetter, TokenTypeWordNumber}, false},
		{"N3 G28*17\n", []TokenType{TokenTypeWordLetter, TokenTypeWordNumber, TokenTypeSpace, TokenTypeWordLetter, TokenTypeWordNumber, TokenTypeChecksum, TokenTypeNewLine}, false},
		{"G1 X.5", []TokenType{TokenTypeWordLetter, TokenTypeWordNumber, TokenTypeSpace, TokenTypeWordLetter, TokenTypeWordNumber}, false},
		{"(open", nil, true},
		{"G1 X-", nil, true},
		{"G1 #", nil, true},
	}
	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			tokens, err := Tokenize(tc.line)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			var types []TokenType
			for _, token := range tokens {
				types = append(types, token.Type)
			}
			require.Equal(t, tc.types, types)
			require.Equal(t, tc.line, tokens.String())
		})
	}
}
