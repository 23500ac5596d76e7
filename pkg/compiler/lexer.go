package compiler

import (
	"strings"
	"unicode"
)

// LexError aborts tokenization: downstream stages cannot proceed without a
// token stream, so lexing is the one fatal front-end failure.
type LexError struct {
	Message string
	Line    int
	Column  int
}

func (e *LexError) Error() string {
	return "line " + itoa(e.Line) + ":" + itoa(e.Column) + ": " + e.Message
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// Lexer holds all mutable state for a single scanning pass over src.
type Lexer struct {
	src         []rune
	pos         int
	line        int
	col         int
	atLineStart bool
	keepComment bool // emit COMMENT/META_COMMENT tokens instead of dropping
}

func newLexer(src string, keepComments bool) *Lexer {
	return &Lexer{src: []rune(src), line: 1, col: 1, atLineStart: true, keepComment: keepComments}
}

// Tokenize scans src into tokens terminated by an EOF token. Comments are
// dropped. The error, if any, is a *LexError.
func Tokenize(src string) ([]Token, error) {
	return TokenizeOpts(src, false)
}

// TokenizeOpts is Tokenize with control over comment preservation.
func TokenizeOpts(src string, keepComments bool) ([]Token, error) {
	l := newLexer(src, keepComments)
	var tokens []Token
	for {
		tok, err := l.next()
		if err != nil {
			return tokens, err
		}
		tokens = append(tokens, tok)
		if tok.Kind == EOF {
			return tokens, nil
		}
	}
}

func (l *Lexer) peek() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) peek2() rune {
	if l.pos+1 >= len(l.src) {
		return 0
	}
	return l.src[l.pos+1]
}

func (l *Lexer) advance() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	r := l.src[l.pos]
	l.pos++
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *Lexer) skipSpaces() {
	for l.pos < len(l.src) {
		r := l.peek()
		if r == '\n' || !unicode.IsSpace(r) {
			return
		}
		l.advance()
	}
}

// restOfLine consumes to end of line and returns the consumed text.
func (l *Lexer) restOfLine() string {
	start := l.pos
	for l.pos < len(l.src) && l.peek() != '\n' {
		l.advance()
	}
	return string(l.src[start:l.pos])
}

func (l *Lexer) tok(kind TokenKind, text string, line, col int) Token {
	return Token{Kind: kind, Text: text, Line: line, Column: col}
}

// scanWord collects an identifier or keyword.
func (l *Lexer) scanWord() Token {
	line, col := l.line, l.col
	start := l.pos
	for l.pos < len(l.src) {
		r := l.peek()
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			break
		}
		l.advance()
	}
	text := string(l.src[start:l.pos])
	upper := strings.ToUpper(text)

	if upper == "REM" {
		// REM comments to end of line.
		body := l.restOfLine()
		if l.keepComment {
			return l.tok(COMMENT, text+body, line, col)
		}
		return l.next2()
	}

	kind, isKeyword := keywords[upper]
	if !isKeyword {
		return l.tok(IDENTIFIER, text, line, col)
	}

	// Compound two-word keywords: after END, look ahead for IF, SUB or
	// FUNCTION on the same line; backtrack when the look-ahead fails.
	if kind == KW_END {
		save := *l
		l.skipSpaces()
		if unicode.IsLetter(l.peek()) {
			wStart := l.pos
			for l.pos < len(l.src) && (unicode.IsLetter(l.peek()) || unicode.IsDigit(l.peek()) || l.peek() == '_') {
				l.advance()
			}
			switch strings.ToUpper(string(l.src[wStart:l.pos])) {
			case "IF":
				return l.tok(KW_ENDIF, "END IF", line, col)
			case "SUB":
				return l.tok(KW_ENDSUB, "END SUB", line, col)
			case "FUNCTION":
				return l.tok(KW_ENDFUNCTION, "END FUNCTION", line, col)
			}
		}
		*l = save
	}
	return l.tok(kind, text, line, col)
}

// scanNumber collects a numeric literal; a digit run at the very start of a
// line is a LINE_NUMBER token instead.
func (l *Lexer) scanNumber(lineStart bool) Token {
	line, col := l.line, l.col
	start := l.pos
	for l.pos < len(l.src) && unicode.IsDigit(l.peek()) {
		l.advance()
	}
	if lineStart && (l.pos >= len(l.src) || l.peek() != '.') {
		return l.tok(LINE_NUMBER, string(l.src[start:l.pos]), line, col)
	}
	if l.peek() == '.' && unicode.IsDigit(l.peek2()) {
		l.advance()
		for l.pos < len(l.src) && unicode.IsDigit(l.peek()) {
			l.advance()
		}
	}
	return l.tok(NUMBER, string(l.src[start:l.pos]), line, col)
}

// scanString collects a string literal, which must close before end of line.
func (l *Lexer) scanString() (Token, error) {
	line, col := l.line, l.col
	l.advance() // opening "
	var val []rune
	for l.pos < len(l.src) {
		r := l.peek()
		if r == '"' {
			l.advance()
			return l.tok(STRING, string(val), line, col), nil
		}
		if r == '\n' {
			break
		}
		val = append(val, r)
		l.advance()
	}
	return Token{}, &LexError{Message: "unterminated string literal", Line: line, Column: col}
}

// next2 exists so comment handlers can recurse without shadowing errors.
func (l *Lexer) next2() Token {
	tok, _ := l.next()
	return tok
}

// next skips whitespace and comments and returns the next token.
func (l *Lexer) next() (Token, error) {
	lineStart := l.atLineStart
	l.atLineStart = false
	l.skipSpaces()

	if l.pos >= len(l.src) {
		return l.tok(EOF, "", l.line, l.col), nil
	}

	ch := l.peek()
	line, col := l.line, l.col

	if ch == '\n' {
		l.advance()
		l.atLineStart = true
		return l.tok(NEWLINE, "\n", line, col), nil
	}

	// Comments: ' and IC10-style #. ##Meta: lines carry compiler options.
	if ch == '\'' || ch == '#' {
		meta := ch == '#' && l.peek2() == '#'
		body := l.restOfLine()
		l.atLineStart = false
		if l.keepComment {
			if meta || strings.HasPrefix(body, "##") {
				return l.tok(META_COMMENT, body, line, col), nil
			}
			return l.tok(COMMENT, body, line, col), nil
		}
		return l.next()
	}

	if unicode.IsLetter(ch) || ch == '_' {
		return l.scanWord(), nil
	}
	if unicode.IsDigit(ch) {
		return l.scanNumber(lineStart), nil
	}
	if ch == '"' {
		return l.scanString()
	}

	l.advance()
	two := func(kind TokenKind, text string) (Token, error) {
		l.advance()
		return l.tok(kind, text, line, col), nil
	}
	switch ch {
	case '(':
		return l.tok(LPAREN, "(", line, col), nil
	case ')':
		return l.tok(RPAREN, ")", line, col), nil
	case ',':
		return l.tok(COMMA, ",", line, col), nil
	case '.':
		return l.tok(DOT, ".", line, col), nil
	case ':':
		return l.tok(COLON, ":", line, col), nil
	case '^':
		return l.tok(CARET, "^", line, col), nil
	case '&':
		return l.tok(AMP, "&", line, col), nil
	case '|':
		return l.tok(PIPE, "|", line, col), nil
	case '~':
		return l.tok(TILDE, "~", line, col), nil
	case '+':
		if l.peek() == '+' {
			return two(INC, "++")
		}
		if l.peek() == '=' {
			return two(PLUS_EQ, "+=")
		}
		return l.tok(PLUS, "+", line, col), nil
	case '-':
		if l.peek() == '-' {
			return two(DEC, "--")
		}
		if l.peek() == '=' {
			return two(MIN_EQ, "-=")
		}
		return l.tok(MINUS, "-", line, col), nil
	case '*':
		if l.peek() == '=' {
			return two(MUL_EQ, "*=")
		}
		return l.tok(STAR, "*", line, col), nil
	case '/':
		if l.peek() == '=' {
			return two(DIV_EQ, "/=")
		}
		return l.tok(SLASH, "/", line, col), nil
	case '=':
		if l.peek() == '=' {
			return two(EQ, "==")
		}
		return l.tok(ASSIGN, "=", line, col), nil
	case '!':
		if l.peek() == '=' {
			return two(NEQ, "!=")
		}
		return Token{}, &LexError{Message: "unexpected character '!'", Line: line, Column: col}
	case '<':
		if l.peek() == '>' {
			return two(NEQ, "<>")
		}
		if l.peek() == '=' {
			return two(LE, "<=")
		}
		if l.peek() == '<' {
			return two(SHL, "<<")
		}
		return l.tok(LT, "<", line, col), nil
	case '>':
		if l.peek() == '=' {
			return two(GE, ">=")
		}
		if l.peek() == '>' {
			return two(SHR, ">>")
		}
		return l.tok(GT, ">", line, col), nil
	}
	return Token{}, &LexError{Message: "unexpected character " + string(ch), Line: line, Column: col}
}
