package gcode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

type TokenType int

const (
	TokenTypeEOF TokenType = iota
	TokenTypeSpace
	TokenTypeComment
	TokenTypeWordLetter
	TokenTypeWordNumber
	TokenTypeChecksum
	TokenTypeString
	TokenTypeNewLine
)

var tokenTypeNames = map[TokenType]string{
	TokenTypeEOF:        "EOF",
	TokenTypeSpace:      "Space",
	TokenTypeComment:    "Comment",
	TokenTypeWordLetter: "WordLetter",
	TokenTypeWordNumber: "WordNumber",
	TokenTypeChecksum:   "Checksum",
	TokenTypeString:     "String",
	TokenTypeNewLine:    "NewLine",
}

func (tt TokenType) String() string {
	if name, ok := tokenTypeNames[tt]; ok {
		return name
	}
	panic(fmt.Sprintf("unexpected TokenType: %d", tt))
}

type Token struct {
	Value string
	Type  TokenType
}

type Tokens []*Token

// String returns the exact text the tokens were read from.
func (ts Tokens) String() string {
	var b strings.Builder
	for _, t := range ts {
		b.WriteString(t.Value)
	}
	return b.String()
}

// stringCommands take the rest of the line as a single text argument.
var stringCommands = map[string]bool{
	"M23":   true,
	"M28":   true,
	"M30":   true,
	"M32":   true,
	"M117":  true,
	"M118":  true,
	"M1000": true,
}

// SyntaxError reports a line that could not be tokenized or parsed.
type SyntaxError struct {
	Line uint
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Lexer tokenizes printer G-Code, one line at a time. A line that fails to tokenize is reported and
// skipped, so Next can be called again to carry on from the following line.
type Lexer struct {
	// Line is the number of the line being tokenized, starting at 1.
	Line    uint
	scanner *bufio.Scanner
	tokens  Tokens
}

// NewLexer creates a new Lexer.
func NewLexer(rd io.Reader) *Lexer {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	return &Lexer{scanner: scanner}
}

// scanLines is bufio.ScanLines, but keeping the line terminator.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func isParenthesisCommentStart(c byte) bool {
	return c == '('
}

func isSemicolonCommentStart(c byte) bool {
	return c == ';'
}

func isLetterStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNumberStart(c byte) bool {
	return c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9')
}

func isChecksumStart(c byte) bool {
	return c == '*'
}

func isNewLineStart(c byte) bool {
	return c == '\n' || c == '\r'
}

//gocyclo:ignore
func split(data []byte) (advance int, tokenType TokenType, err error) {
	// Space
	if isSpace(data[0]) {
		i := 0
		for i < len(data) && isSpace(data[i]) {
			i++
		}
		return i, TokenTypeSpace, nil
	}

	// Comment
	if isParenthesisCommentStart(data[0]) {
		for i := 1; i < len(data); i++ {
			if data[i] == ')' {
				return i + 1, TokenTypeComment, nil
			}
			if isNewLineStart(data[i]) {
				break
			}
		}
		return 0, 0, errors.New("end of line reached without closing parenthesis")
	}
	if isSemicolonCommentStart(data[0]) {
		i := 1
		for i < len(data) && !isNewLineStart(data[i]) {
			i++
		}
		return i, TokenTypeComment, nil
	}

	// WordLetter
	if isLetterStart(data[0]) {
		return 1, TokenTypeWordLetter, nil
	}

	// WordNumber
	if isNumberStart(data[0]) {
		i := 0
		if data[i] == '-' || data[i] == '+' {
			i++
		}
		ndigit := 0
		isdecimal := false
		for i < len(data) {
			c := data[i]
			if c >= '0' && c <= '9' {
				ndigit++
				i++
			} else if c == '.' && !isdecimal {
				isdecimal = true
				i++
			} else {
				break
			}
		}
		if ndigit == 0 {
			return 0, 0, fmt.Errorf("invalid number: %s", data[:i])
		}
		return i, TokenTypeWordNumber, nil
	}

	// Checksum
	if isChecksumStart(data[0]) {
		i := 1
		for i < len(data) && data[i] >= '0' && data[i] <= '9' {
			i++
		}
		if i == 1 {
			return 0, 0, errors.New("checksum without digits")
		}
		return i, TokenTypeChecksum, nil
	}

	// NewLine
	if data[0] == '\n' {
		return 1, TokenTypeNewLine, nil
	}
	if data[0] == '\r' {
		if len(data) > 1 && data[1] == '\n' {
			return 2, TokenTypeNewLine, nil
		}
		return 1, TokenTypeNewLine, nil
	}

	return 0, 0, fmt.Errorf("unexpected char: %q", data[0])
}

// Tokenize splits a single line into tokens.
func Tokenize(line string) (Tokens, error) {
	data := []byte(line)
	var tokens Tokens
	var lastLetter *Token
	for len(data) > 0 {
		n, tokenType, err := split(data)
		if err != nil {
			return nil, err
		}
		token := &Token{Value: string(data[:n]), Type: tokenType}
		tokens = append(tokens, token)
		data = data[n:]

		switch tokenType {
		case TokenTypeWordLetter:
			lastLetter = token
		case TokenTypeWordNumber:
			if lastLetter != nil && stringCommands[strings.ToUpper(lastLetter.Value)+token.Value] {
				text, rest := splitText(data)
				if len(text) > 0 {
					tokens = append(tokens, &Token{Value: string(text), Type: TokenTypeString})
				}
				data = rest
			}
			lastLetter = nil
		default:
			lastLetter = nil
		}
	}
	return tokens, nil
}

// splitText returns the text argument of a string command, up to a comment or the end of line.
func splitText(data []byte) ([]byte, []byte) {
	i := 0
	for i < len(data) && !isSemicolonCommentStart(data[i]) && !isNewLineStart(data[i]) {
		i++
	}
	return data[:i], data[i:]
}

// Next returns the next token. At the end of each line a TokenTypeNewLine token is returned, even
// if the line has no line terminator.
func (lx *Lexer) Next() (*Token, error) {
	for len(lx.tokens) == 0 {
		if !lx.scanner.Scan() {
			if err := lx.scanner.Err(); err != nil {
				return nil, fmt.Errorf("line %d: %w", lx.Line, err)
			}
			return &Token{Type: TokenTypeEOF}, nil
		}
		lx.Line++
		tokens, err := Tokenize(lx.scanner.Text())
		if err != nil {
			return nil, &SyntaxError{Line: lx.Line, Err: err}
		}
		if len(tokens) == 0 || tokens[len(tokens)-1].Type != TokenTypeNewLine {
			tokens = append(tokens, &Token{Type: TokenTypeNewLine})
		}
		lx.tokens = tokens
	}

	token := lx.tokens[0]
	lx.tokens = lx.tokens[1:]
	return token, nil
}

// SkipLine discards the remaining tokens of the current line.
func (lx *Lexer) SkipLine() {
	lx.tokens = nil
}
