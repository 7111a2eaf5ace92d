package gcode

import (
	"fmt"
	"io"
)

// Modal Groups state for printer firmware.
// See https://marlinfw.org/meta/gcode/.
type ModalGroup struct {
	// Motion: G0, G1, G2, G3
	Motion *Word

	// Distance Mode: G90, G91
	DistanceMode *Word

	// Extruder Distance Mode: M82, M83
	ExtruderDistanceMode *Word

	// Units: G20, G21
	Units *Word

	// Fan: M106, M107
	Fan *Word

	// Tool: T0, T1...
	Tool *Word
}

func (m *ModalGroup) Copy() *ModalGroup {
	nm := *m
	return &nm
}

// ExtruderRelative returns true if E values are relative to the previous position.
func (m *ModalGroup) ExtruderRelative() bool {
	return m.ExtruderDistanceMode.NormalizedString() == "M83"
}

func (m *ModalGroup) UpdateFromWord(word *Word) {
	switch word.NormalizedString() {
	case "G0", "G1", "G2", "G3":
		m.Motion = word
	case "G90":
		m.DistanceMode = word
		// G90 also sets the extruder to absolute, as Marlin does.
		m.ExtruderDistanceMode = NewWord('M', 82)
	case "G91":
		m.DistanceMode = word
		m.ExtruderDistanceMode = NewWord('M', 83)
	case "M82", "M83":
		m.ExtruderDistanceMode = word
	case "G20", "G21":
		m.Units = word
	case "M106", "M107":
		m.Fan = word
	default:
		if word.Letter() == 'T' {
			m.Tool = word
		}
	}
}

func (m *ModalGroup) UpdateFromBlock(block *Block) {
	for _, word := range block.Commands() {
		m.UpdateFromWord(word)
	}
}

// DefaultModalGroup holds printer firmware default modal group states.
var DefaultModalGroup ModalGroup = ModalGroup{
	Motion:               NewWord('G', 0),
	DistanceMode:         NewWord('G', 90),
	ExtruderDistanceMode: NewWord('M', 82),
	Units:                NewWord('G', 21),
	Fan:                  NewWord('M', 107),
	Tool:                 NewWord('T', 0),
}

// Parser can parse printer flavour G-Code.
type Parser struct {
	// ModalGroup holds the state of each modal group as parsing progresses by caling Parser.Next().
	// DefaultModalGroup is used for the initial state.
	ModalGroup ModalGroup
	Lexer      *Lexer
	block      *Block
	words      []*Word
	letter     *rune
	text       *string
}

func NewParser(r io.Reader) *Parser {
	return &Parser{
		ModalGroup: DefaultModalGroup,
		Lexer:      NewLexer(r),
	}
}

func (p *Parser) syntaxError(format string, a ...any) error {
	return &SyntaxError{Line: p.Lexer.Line, Err: fmt.Errorf(format, a...)}
}

func (p *Parser) handleTokenTypeLetter(token *Token) (bool, error) {
	if p.letter != nil {
		return false, p.syntaxError("unexpected word letter %q after previous letter %q", token.Value, string(*p.letter))
	}
	letter := rune(token.Value[0])
	p.letter = &letter
	return false, nil
}

func (p *Parser) handleTokenTypeNumber(token *Token) (bool, error) {
	number := string(token.Value)
	if p.letter == nil {
		return false, p.syntaxError("unexpected word number %q without preceding letter", string(token.Value))
	}
	word, err := NewWordParse(*p.letter, number)
	if err != nil {
		return false, p.syntaxError("bad number: %#v: %w", string(token.Value), err)
	}
	p.words = append(p.words, word)
	p.letter = nil
	return false, nil
}

func (p *Parser) handleTokenTypeNewLine() (bool, error) {
	if p.letter != nil {
		return false, p.syntaxError("unexpected word letter at end of line")
	}
	if len(p.words) > 0 {
		p.block = NewBlockCommand(p.words...)
		if p.text != nil {
			p.block.SetText(*p.text)
		}
	}
	return true, nil
}

func (p *Parser) handleToken(token *Token) (bool, error) {
	switch token.Type {
	case TokenTypeEOF:
		return true, nil
	case TokenTypeSpace, TokenTypeComment, TokenTypeChecksum:
		return false, nil
	case TokenTypeString:
		text := trimText(token.Value)
		p.text = &text
		return false, nil
	case TokenTypeWordLetter:
		return p.handleTokenTypeLetter(token)
	case TokenTypeWordNumber:
		return p.handleTokenTypeNumber(token)
	case TokenTypeNewLine:
		return p.handleTokenTypeNewLine()
	default:
		panic(fmt.Sprintf("unknown token type: %#v", token))
	}
}

func trimText(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

// Next returns the next parsed line. The first returned bool indicates EOF: when true, parsing is
// complete. If the line contained a block, it is returned. Tokens contains all tokens for the
// parsed line. After an error, the rest of the offending line is skipped and Next can be called
// again.
func (p *Parser) Next() (bool, *Block, Tokens, error) {
	p.block = nil
	p.words = nil
	p.letter = nil
	p.text = nil
	var tokens Tokens
	for {
		token, err := p.Lexer.Next()
		if err != nil {
			return false, nil, nil, err
		}
		tokens = append(tokens, token)
		eol, err := p.handleToken(token)
		if err != nil {
			p.Lexer.SkipLine()
			return false, nil, nil, err
		}
		if eol {
			if p.block != nil {
				p.ModalGroup.UpdateFromBlock(p.block)
			}
			return token.Type == TokenTypeEOF, p.block, tokens, nil
		}
	}
}

// Blocks parses and returns all remaining blocks from the parser.
// It calls Next() repeatedly until all blocks are consumed or an error occurs.
// Returns a slice of all parsed blocks, or an error if parsing fails.
func (p *Parser) Blocks() ([]*Block, error) {
	blocks := []*Block{}
	for {
		eof, block, _, err := p.Next()
		if err != nil {
			return nil, err
		}
		if block != nil {
			blocks = append(blocks, block)
		}
		if eof {
			return blocks, nil
		}
	}
}
