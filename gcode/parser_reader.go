package gcode

import (
	"io"
	"sync"
)

// LineFormatter rewrites a compacted line given its 1 based number.
type LineFormatter func(number int, line string) string

// ParserReader wraps a Parser and implements the [io.Reader] interface, yielding one compacted
// line per Block.
type ParserReader struct {
	parser *Parser
	format LineFormatter

	mu     sync.Mutex
	buffer []byte
	eof    bool
	lines  int
}

// NewParserReader creates a ParserReader. format may be nil.
func NewParserReader(parser *Parser, format LineFormatter) *ParserReader {
	return &ParserReader{
		parser: parser,
		format: format,
	}
}

// Lines returns how many lines were yielded so far.
func (pr *ParserReader) Lines() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.lines
}

func (pr *ParserReader) fill() error {
	for len(pr.buffer) == 0 && !pr.eof {
		eof, block, _, err := pr.parser.Next()
		if err != nil {
			return err
		}
		pr.eof = eof
		if block == nil {
			continue
		}
		pr.lines++
		line := block.String()
		if pr.format != nil {
			line = pr.format(pr.lines, line)
		}
		pr.buffer = append(pr.buffer, line...)
		pr.buffer = append(pr.buffer, '\n')
	}
	return nil
}

// Read yields the lines of each Block returned by Parser.Next, formatted with Block.String.
func (pr *ParserReader) Read(p []byte) (int, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if err := pr.fill(); err != nil {
		return 0, err
	}
	if len(pr.buffer) == 0 {
		return 0, io.EOF
	}
	n := copy(p, pr.buffer)
	pr.buffer = pr.buffer[n:]
	return n, nil
}
