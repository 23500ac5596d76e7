package compiler

import "fmt"

// TokenKind identifies the category of a lexed token.
type TokenKind int

const (
	EOF TokenKind = iota
	NEWLINE

	// Literals
	IDENTIFIER
	NUMBER
	STRING
	LINE_NUMBER // digit run at the start of a line (legacy numbered lines)

	// Declaration keywords
	KW_VAR
	KW_LET
	KW_CONST
	KW_DEFINE
	KW_DIM
	KW_ALIAS
	KW_DEVICE

	// Control flow
	KW_IF
	KW_THEN
	KW_ELSEIF
	KW_ELSE
	KW_ENDIF
	KW_FOR
	KW_TO
	KW_STEP
	KW_NEXT
	KW_WHILE
	KW_WEND
	KW_DO
	KW_LOOP
	KW_UNTIL
	KW_BREAK
	KW_CONTINUE
	KW_GOTO
	KW_GOSUB
	KW_RETURN
	KW_END

	// Subroutines
	KW_SUB
	KW_FUNCTION
	KW_ENDSUB      // END SUB / ENDSUB
	KW_ENDFUNCTION // END FUNCTION / ENDFUNCTION
	KW_CALL

	// Hardware / runtime
	KW_YIELD
	KW_SLEEP
	KW_WAIT
	KW_PUSH
	KW_POP
	KW_PEEK
	KW_BATCHWRITE
	KW_THIS

	// Operator keywords
	KW_AND
	KW_OR
	KW_NOT
	KW_MOD

	// Operators and delimiters
	PLUS    // +
	MINUS   // -
	STAR    // *
	SLASH   // /
	CARET   // ^ (power)
	AMP     // &
	PIPE    // |
	TILDE   // ~
	SHL     // <<
	SHR     // >>
	ASSIGN  // =  (also equality in expression position)
	EQ      // ==
	NEQ     // <> or !=
	LT      // <
	GT      // >
	LE      // <=
	GE      // >=
	PLUS_EQ // +=
	MIN_EQ  // -=
	MUL_EQ  // *=
	DIV_EQ  // /=
	INC     // ++
	DEC     // --
	LPAREN  // (
	RPAREN  // )
	COMMA   // ,
	DOT     // .
	COLON   // :

	// Only produced when comment preservation is requested.
	COMMENT
	META_COMMENT // ##Meta: directive line
)

// keywords maps upper-cased source text to its keyword kind. BASIC keywords
// are case-insensitive.
var keywords = map[string]TokenKind{
	"VAR":         KW_VAR,
	"LET":         KW_LET,
	"CONST":       KW_CONST,
	"DEFINE":      KW_DEFINE,
	"DIM":         KW_DIM,
	"ALIAS":       KW_ALIAS,
	"DEVICE":      KW_DEVICE,
	"IF":          KW_IF,
	"THEN":        KW_THEN,
	"ELSEIF":      KW_ELSEIF,
	"ELSE":        KW_ELSE,
	"ENDIF":       KW_ENDIF,
	"FOR":         KW_FOR,
	"TO":          KW_TO,
	"STEP":        KW_STEP,
	"NEXT":        KW_NEXT,
	"WHILE":       KW_WHILE,
	"WEND":        KW_WEND,
	"DO":          KW_DO,
	"LOOP":        KW_LOOP,
	"UNTIL":       KW_UNTIL,
	"BREAK":       KW_BREAK,
	"CONTINUE":    KW_CONTINUE,
	"GOTO":        KW_GOTO,
	"GOSUB":       KW_GOSUB,
	"RETURN":      KW_RETURN,
	"END":         KW_END,
	"SUB":         KW_SUB,
	"FUNCTION":    KW_FUNCTION,
	"ENDSUB":      KW_ENDSUB,
	"ENDFUNCTION": KW_ENDFUNCTION,
	"CALL":        KW_CALL,
	"YIELD":       KW_YIELD,
	"SLEEP":       KW_SLEEP,
	"WAIT":        KW_WAIT,
	"PUSH":        KW_PUSH,
	"POP":         KW_POP,
	"PEEK":        KW_PEEK,
	"BATCHWRITE":  KW_BATCHWRITE,
	"THIS":        KW_THIS,
	"AND":         KW_AND,
	"OR":          KW_OR,
	"NOT":         KW_NOT,
	"MOD":         KW_MOD,
}

var kindNames = map[TokenKind]string{
	EOF:         "EOF",
	NEWLINE:     "NEWLINE",
	IDENTIFIER:  "IDENTIFIER",
	NUMBER:      "NUMBER",
	STRING:      "STRING",
	LINE_NUMBER: "LINE_NUMBER",
	PLUS:        "+", MINUS: "-", STAR: "*", SLASH: "/", CARET: "^",
	AMP: "&", PIPE: "|", TILDE: "~", SHL: "<<", SHR: ">>",
	ASSIGN: "=", EQ: "==", NEQ: "<>", LT: "<", GT: ">", LE: "<=", GE: ">=",
	PLUS_EQ: "+=", MIN_EQ: "-=", MUL_EQ: "*=", DIV_EQ: "/=",
	INC: "++", DEC: "--",
	LPAREN: "(", RPAREN: ")", COMMA: ",", DOT: ".", COLON: ":",
	COMMENT:      "COMMENT",
	META_COMMENT: "META_COMMENT",
}

func (k TokenKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	for text, kind := range keywords {
		if kind == k {
			return text
		}
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

// Token is a single lexical unit.
type Token struct {
	Kind   TokenKind
	Text   string // the exact source text that was matched
	Line   int    // 1-based
	Column int    // 1-based
}

func (t Token) String() string {
	return fmt.Sprintf("%-12s %-14q  %d:%d", t.Kind, t.Text, t.Line, t.Column)
}
