package compiler

import (
	"fmt"
	"strconv"
	"strings"
)

// Grammar (newline-terminated statements, keywords case-insensitive):
//
//	program    = { statement NEWLINE } .
//	statement  = declaration | assignment | control | hardware | label .
//	declaration= "VAR" ident [ "=" expr ]
//	           | "LET" target "=" expr
//	           | "CONST" ident "=" expr
//	           | "DEFINE" ident expr
//	           | "DIM" ident "(" NUMBER ")"
//	           | "ALIAS" ident "=" ( pin | "THIS" )
//	           | "DEVICE" ident "=" STRING .
//	control    = if | for | while | doloop | "BREAK" | "CONTINUE"
//	           | "GOTO" target | "GOSUB" target | "RETURN" [ expr ]
//	           | sub | function | "CALL" ident [ "(" args ")" ] | "END" .
//	if         = "IF" expr "THEN" ( stmt [ "ELSE" stmt ]          // one line
//	           | NEWLINE block { "ELSEIF" expr "THEN" NEWLINE block }
//	             [ "ELSE" NEWLINE block ] "ENDIF" ) .
//	expr       = or { "OR" or } ... down to power ( "^", right assoc ) .
//
// Single-line and block IF parse to the same node, so every later stage
// treats them identically.

// ParseError aborts parsing at the first syntax error. It carries the
// offending source line so editors can show a caret under the column.
type ParseError struct {
	Message    string
	Line       int
	Column     int
	SourceLine string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "line %d:%d: %s", e.Line, e.Column, e.Message)
	if e.SourceLine != "" {
		fmt.Fprintf(&b, "\n  %s\n  %s^", e.SourceLine, strings.Repeat(" ", e.Column-1))
	}
	return b.String()
}

// Parser consumes a token stream produced by Tokenize.
type Parser struct {
	tokens []Token
	pos    int
	lines  []string // original source, for error snippets
}

// Parse builds the AST for src's token stream. The error, if any, is a
// *ParseError.
func Parse(tokens []Token, src string) (*Program, error) {
	p := &Parser{tokens: tokens, lines: strings.Split(src, "\n")}
	prog := &Program{}
	for {
		p.skipNewlines()
		if p.cur().Kind == EOF {
			return prog, nil
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		prog.Statements = append(prog.Statements, stmt)
		if _, isLabel := stmt.(*LabelStmt); isLabel {
			// Numbered lines carry their statement after the label.
			continue
		}
		if err := p.endOfStatement(); err != nil {
			return nil, err
		}
	}
}

func (p *Parser) cur() Token {
	if p.pos >= len(p.tokens) {
		return Token{Kind: EOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) peekTok() Token {
	if p.pos+1 >= len(p.tokens) {
		return Token{Kind: EOF}
	}
	return p.tokens[p.pos+1]
}

func (p *Parser) advance() Token {
	t := p.cur()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *Parser) accept(kind TokenKind) bool {
	if p.cur().Kind == kind {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expect(kind TokenKind, context string) (Token, error) {
	t := p.cur()
	if t.Kind != kind {
		return t, p.errorAt(t, "expected %s in %s, found %q", kind, context, t.Text)
	}
	return p.advance(), nil
}

func (p *Parser) skipNewlines() {
	for p.cur().Kind == NEWLINE || p.cur().Kind == COMMENT || p.cur().Kind == META_COMMENT {
		p.advance()
	}
}

func (p *Parser) endOfStatement() error {
	for p.cur().Kind == COMMENT || p.cur().Kind == META_COMMENT {
		p.advance()
	}
	t := p.cur()
	if t.Kind == NEWLINE {
		p.advance()
		return nil
	}
	if t.Kind == EOF {
		return nil
	}
	return p.errorAt(t, "unexpected %q after statement", t.Text)
}

// errorAt builds a ParseError with the offending source line attached.
func (p *Parser) errorAt(t Token, format string, args ...any) error {
	var srcLine string
	if t.Line >= 1 && t.Line <= len(p.lines) {
		srcLine = p.lines[t.Line-1]
	}
	col := t.Column
	if col < 1 {
		col = 1
	}
	return &ParseError{
		Message:    fmt.Sprintf(format, args...),
		Line:       t.Line,
		Column:     col,
		SourceLine: srcLine,
	}
}

func pos(t Token) stmtPos { return stmtPos{Line: t.Line, Col: t.Column} }

//  Statements

func (p *Parser) parseStatement() (Stmt, error) {
	t := p.cur()
	switch t.Kind {
	case KW_VAR:
		return p.parseVar()
	case KW_LET:
		p.advance()
		return p.parseAssignment()
	case KW_CONST:
		return p.parseConst()
	case KW_DEFINE:
		return p.parseDefine()
	case KW_DIM:
		return p.parseDim()
	case KW_ALIAS:
		return p.parseAlias()
	case KW_DEVICE:
		return p.parseDevice()
	case KW_IF:
		return p.parseIf()
	case KW_FOR:
		return p.parseFor()
	case KW_WHILE:
		return p.parseWhile()
	case KW_DO:
		return p.parseDoLoop()
	case KW_BREAK:
		p.advance()
		return &BreakStmt{pos(t)}, nil
	case KW_CONTINUE:
		p.advance()
		return &ContinueStmt{pos(t)}, nil
	case KW_GOTO:
		return p.parseJump(t, false)
	case KW_GOSUB:
		return p.parseJump(t, true)
	case KW_RETURN:
		p.advance()
		st := &ReturnStmt{stmtPos: pos(t)}
		if !p.atStatementEnd() {
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			st.Value = val
		}
		return st, nil
	case KW_SUB:
		return p.parseSub()
	case KW_FUNCTION:
		return p.parseFunction()
	case KW_CALL:
		return p.parseCall()
	case KW_END:
		p.advance()
		return &EndStmt{pos(t)}, nil
	case KW_YIELD:
		p.advance()
		return &YieldStmt{pos(t)}, nil
	case KW_SLEEP, KW_WAIT:
		p.advance()
		dur, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &SleepStmt{stmtPos: pos(t), Duration: dur}, nil
	case KW_PUSH:
		p.advance()
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &PushStmt{stmtPos: pos(t), Value: val}, nil
	case KW_POP:
		p.advance()
		name, err := p.expect(IDENTIFIER, "POP")
		if err != nil {
			return nil, err
		}
		return &PopStmt{stmtPos: pos(t), Name: name.Text}, nil
	case KW_PEEK:
		p.advance()
		name, err := p.expect(IDENTIFIER, "PEEK")
		if err != nil {
			return nil, err
		}
		return &PeekStmt{stmtPos: pos(t), Name: name.Text}, nil
	case KW_BATCHWRITE:
		return p.parseBatchWrite()
	case KW_THIS:
		// THIS.Prop = expr
		return p.parseAssignment()
	case LINE_NUMBER:
		p.advance()
		return &LabelStmt{stmtPos: pos(t), Name: t.Text}, nil
	case IDENTIFIER:
		if p.peekTok().Kind == COLON {
			p.advance()
			p.advance()
			return &LabelStmt{stmtPos: pos(t), Name: t.Text}, nil
		}
		return p.parseAssignment()
	}
	return nil, p.errorAt(t, "unexpected %q at start of statement", t.Text)
}

func (p *Parser) atStatementEnd() bool {
	switch p.cur().Kind {
	case NEWLINE, EOF, COMMENT, META_COMMENT, KW_ELSE:
		return true
	}
	return false
}

func (p *Parser) parseVar() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "VAR")
	if err != nil {
		return nil, err
	}
	st := &VarStmt{stmtPos: pos(t), Name: name.Text}
	if p.accept(ASSIGN) {
		st.Init, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (p *Parser) parseConst() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "CONST")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(ASSIGN, "CONST"); err != nil {
		return nil, err
	}
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ConstStmt{stmtPos: pos(t), Name: name.Text, Value: val}, nil
}

func (p *Parser) parseDefine() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "DEFINE")
	if err != nil {
		return nil, err
	}
	// DEFINE takes no equals sign, matching assembly syntax.
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &DefineStmt{stmtPos: pos(t), Name: name.Text, Value: val}, nil
}

func (p *Parser) parseDim() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "DIM")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(LPAREN, "DIM"); err != nil {
		return nil, err
	}
	size, err := p.expect(NUMBER, "DIM size")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(RPAREN, "DIM"); err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(size.Text)
	if err != nil || n <= 0 {
		return nil, p.errorAt(size, "array size must be a positive integer, found %q", size.Text)
	}
	return &DimStmt{stmtPos: pos(t), Name: name.Text, Size: n}, nil
}

func (p *Parser) parseAlias() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "ALIAS")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(ASSIGN, "ALIAS"); err != nil {
		return nil, err
	}
	target := p.cur()
	if target.Kind == KW_THIS {
		p.advance()
		return &AliasStmt{stmtPos: pos(t), Name: name.Text, Pin: -1}, nil
	}
	if target.Kind == IDENTIFIER {
		pin, ok := parsePin(target.Text)
		if ok {
			p.advance()
			return &AliasStmt{stmtPos: pos(t), Name: name.Text, Pin: pin}, nil
		}
	}
	return nil, p.errorAt(target, "ALIAS target must be d0..d5 or THIS, found %q", target.Text)
}

// parsePin matches d0..d5 case-insensitively.
func parsePin(s string) (int, bool) {
	if len(s) != 2 || (s[0] != 'd' && s[0] != 'D') {
		return 0, false
	}
	if s[1] < '0' || s[1] > '5' {
		return 0, false
	}
	return int(s[1] - '0'), true
}

func (p *Parser) parseDevice() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "DEVICE")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(ASSIGN, "DEVICE"); err != nil {
		return nil, err
	}
	prefab, err := p.expect(STRING, "DEVICE")
	if err != nil {
		return nil, err
	}
	return &DeviceStmt{stmtPos: pos(t), Name: name.Text, Prefab: prefab.Text}, nil
}

func (p *Parser) parseJump(kw Token, gosub bool) (Stmt, error) {
	p.advance()
	target := p.cur()
	if target.Kind != IDENTIFIER && target.Kind != NUMBER {
		return nil, p.errorAt(target, "expected label after %s, found %q", kw.Text, target.Text)
	}
	p.advance()
	if gosub {
		return &GosubStmt{stmtPos: pos(kw), Target: target.Text}, nil
	}
	return &GotoStmt{stmtPos: pos(kw), Target: target.Text}, nil
}

// parseAssignment handles every form of write plus bare calls:
//
//	x = e    x += e    x++    alias.Prop = e    arr(i) = e    doStep(n)
func (p *Parser) parseAssignment() (Stmt, error) {
	t := p.cur()
	var name string
	if t.Kind == KW_THIS {
		p.advance()
		name = "THIS"
	} else {
		tok, err := p.expect(IDENTIFIER, "assignment")
		if err != nil {
			return nil, err
		}
		name = tok.Text
	}

	target := AssignTarget{Kind: TargetVariable, Name: name}
	switch p.cur().Kind {
	case DOT:
		p.advance()
		prop, err := p.expect(IDENTIFIER, "device property")
		if err != nil {
			return nil, err
		}
		target = AssignTarget{Kind: TargetDeviceProp, Name: name, Prop: prop.Text}
	case LPAREN:
		p.advance()
		idx, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args := []Expr{idx}
		for p.accept(COMMA) {
			more, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, more)
		}
		if _, err := p.expect(RPAREN, "index or argument list"); err != nil {
			return nil, err
		}
		if !isAssignOp(p.cur().Kind) {
			// No assignment follows, so this is a call in statement position.
			return &CallStmt{stmtPos: pos(t), Name: name, Args: args}, nil
		}
		if len(args) != 1 {
			return nil, p.errorAt(t, "array assignment takes exactly one index")
		}
		target = AssignTarget{Kind: TargetArrayElem, Name: name, Index: idx}
	}

	op := p.cur()
	switch op.Kind {
	case INC, DEC:
		p.advance()
		delta := PLUS_EQ
		if op.Kind == DEC {
			delta = MIN_EQ
		}
		return &LetStmt{stmtPos: pos(t), Target: target, Op: delta, Value: &NumberExpr{Value: 1}}, nil
	case ASSIGN, PLUS_EQ, MIN_EQ, MUL_EQ, DIV_EQ:
		p.advance()
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &LetStmt{stmtPos: pos(t), Target: target, Op: op.Kind, Value: val}, nil
	}
	return nil, p.errorAt(op, "expected assignment operator, found %q", op.Text)
}

func isAssignOp(k TokenKind) bool {
	switch k {
	case ASSIGN, PLUS_EQ, MIN_EQ, MUL_EQ, DIV_EQ, INC, DEC:
		return true
	}
	return false
}

// parseIf accepts both surface forms and returns one node shape for both.
func (p *Parser) parseIf() (Stmt, error) {
	t := p.advance()
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(KW_THEN, "IF"); err != nil {
		return nil, err
	}

	if p.cur().Kind != NEWLINE {
		// Single-line form: IF cond THEN stmt [ELSE stmt]
		then, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		st := &IfStmt{stmtPos: pos(t), Cond: cond, Then: []Stmt{then}}
		if p.accept(KW_ELSE) {
			alt, err := p.parseStatement()
			if err != nil {
				return nil, err
			}
			st.Else = []Stmt{alt}
		}
		return st, nil
	}

	// Block form.
	body, err := p.parseBlock(KW_ELSEIF, KW_ELSE, KW_ENDIF)
	if err != nil {
		return nil, err
	}
	st := &IfStmt{stmtPos: pos(t), Cond: cond, Then: body}

	switch p.cur().Kind {
	case KW_ELSEIF:
		// Rewrites as IF nested in the else branch, sharing the final ENDIF.
		elseifTok := p.cur()
		p.advance()
		elifCond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(KW_THEN, "ELSEIF"); err != nil {
			return nil, err
		}
		if _, err := p.expect(NEWLINE, "ELSEIF"); err != nil {
			return nil, err
		}
		elifBody, err := p.parseBlock(KW_ELSEIF, KW_ELSE, KW_ENDIF)
		if err != nil {
			return nil, err
		}
		nested := &IfStmt{stmtPos: pos(elseifTok), Cond: elifCond, Then: elifBody}
		st.Else = []Stmt{nested}
		if err := p.finishIfChain(nested); err != nil {
			return nil, err
		}
		return st, nil
	case KW_ELSE:
		p.advance()
		if _, err := p.expect(NEWLINE, "ELSE"); err != nil {
			return nil, err
		}
		st.Else, err = p.parseBlock(KW_ENDIF)
		if err != nil {
			return nil, err
		}
	}
	_, err = p.expect(KW_ENDIF, "IF block")
	return st, err
}

// finishIfChain continues an ELSEIF ladder, attaching further branches to
// the innermost IfStmt until the shared ENDIF.
func (p *Parser) finishIfChain(inner *IfStmt) error {
	for {
		switch p.cur().Kind {
		case KW_ELSEIF:
			elseifTok := p.cur()
			p.advance()
			cond, err := p.parseExpr()
			if err != nil {
				return err
			}
			if _, err := p.expect(KW_THEN, "ELSEIF"); err != nil {
				return err
			}
			if _, err := p.expect(NEWLINE, "ELSEIF"); err != nil {
				return err
			}
			body, err := p.parseBlock(KW_ELSEIF, KW_ELSE, KW_ENDIF)
			if err != nil {
				return err
			}
			next := &IfStmt{stmtPos: pos(elseifTok), Cond: cond, Then: body}
			inner.Else = []Stmt{next}
			inner = next
		case KW_ELSE:
			p.advance()
			if _, err := p.expect(NEWLINE, "ELSE"); err != nil {
				return err
			}
			body, err := p.parseBlock(KW_ENDIF)
			if err != nil {
				return err
			}
			inner.Else = body
			_, err = p.expect(KW_ENDIF, "IF block")
			return err
		case KW_ENDIF:
			p.advance()
			return nil
		default:
			return p.errorAt(p.cur(), "expected ELSEIF, ELSE or ENDIF, found %q", p.cur().Text)
		}
	}
}

// parseBlock parses statements until one of the stop keywords appears at
// statement position. The stop token is left unconsumed.
func (p *Parser) parseBlock(stops ...TokenKind) ([]Stmt, error) {
	var body []Stmt
	for {
		p.skipNewlines()
		t := p.cur()
		if t.Kind == EOF {
			return nil, p.errorAt(t, "unexpected end of file inside block")
		}
		for _, s := range stops {
			if t.Kind == s {
				return body, nil
			}
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		body = append(body, stmt)
		if _, isLabel := stmt.(*LabelStmt); isLabel {
			continue
		}
		if err := p.endOfStatement(); err != nil {
			return nil, err
		}
	}
}

func (p *Parser) parseFor() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "FOR")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(ASSIGN, "FOR"); err != nil {
		return nil, err
	}
	start, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(KW_TO, "FOR"); err != nil {
		return nil, err
	}
	end, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	st := &ForStmt{stmtPos: pos(t), Var: name.Text, Start: start, End: end}
	if p.accept(KW_STEP) {
		st.Step, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(NEWLINE, "FOR"); err != nil {
		return nil, err
	}
	st.Body, err = p.parseBlock(KW_NEXT)
	if err != nil {
		return nil, err
	}
	p.advance() // NEXT
	if p.cur().Kind == IDENTIFIER {
		counter := p.advance()
		if !strings.EqualFold(counter.Text, name.Text) {
			return nil, p.errorAt(counter, "NEXT %s does not match FOR %s", counter.Text, name.Text)
		}
	}
	return st, nil
}

func (p *Parser) parseWhile() (Stmt, error) {
	t := p.advance()
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(NEWLINE, "WHILE"); err != nil {
		return nil, err
	}
	body, err := p.parseBlock(KW_WEND)
	if err != nil {
		return nil, err
	}
	p.advance() // WEND
	return &WhileStmt{stmtPos: pos(t), Cond: cond, Body: body}, nil
}

func (p *Parser) parseDoLoop() (Stmt, error) {
	t := p.advance()
	if _, err := p.expect(NEWLINE, "DO"); err != nil {
		return nil, err
	}
	body, err := p.parseBlock(KW_LOOP)
	if err != nil {
		return nil, err
	}
	p.advance() // LOOP
	if _, err := p.expect(KW_UNTIL, "LOOP"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &DoLoopStmt{stmtPos: pos(t), Body: body, Until: cond}, nil
}

func (p *Parser) parseSub() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "SUB")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(NEWLINE, "SUB"); err != nil {
		return nil, err
	}
	body, err := p.parseBlock(KW_ENDSUB)
	if err != nil {
		return nil, err
	}
	p.advance() // END SUB
	return &SubStmt{stmtPos: pos(t), Name: name.Text, Body: body}, nil
}

func (p *Parser) parseFunction() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "FUNCTION")
	if err != nil {
		return nil, err
	}
	st := &FunctionStmt{stmtPos: pos(t), Name: name.Text}
	if p.accept(LPAREN) {
		if p.cur().Kind != RPAREN {
			for {
				param, err := p.expect(IDENTIFIER, "FUNCTION parameter")
				if err != nil {
					return nil, err
				}
				st.Params = append(st.Params, param.Text)
				if !p.accept(COMMA) {
					break
				}
			}
		}
		if _, err := p.expect(RPAREN, "FUNCTION"); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(NEWLINE, "FUNCTION"); err != nil {
		return nil, err
	}
	st.Body, err = p.parseBlock(KW_ENDFUNCTION)
	if err != nil {
		return nil, err
	}
	p.advance() // END FUNCTION
	return st, nil
}

func (p *Parser) parseCall() (Stmt, error) {
	t := p.advance()
	name, err := p.expect(IDENTIFIER, "CALL")
	if err != nil {
		return nil, err
	}
	st := &CallStmt{stmtPos: pos(t), Name: name.Text}
	if p.accept(LPAREN) {
		if p.cur().Kind != RPAREN {
			for {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				st.Args = append(st.Args, arg)
				if !p.accept(COMMA) {
					break
				}
			}
		}
		if _, err := p.expect(RPAREN, "CALL"); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (p *Parser) parseBatchWrite() (Stmt, error) {
	t := p.advance()
	if _, err := p.expect(LPAREN, "BATCHWRITE"); err != nil {
		return nil, err
	}
	hash, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(COMMA, "BATCHWRITE"); err != nil {
		return nil, err
	}
	prop, err := p.expect(IDENTIFIER, "BATCHWRITE property")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(COMMA, "BATCHWRITE"); err != nil {
		return nil, err
	}
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(RPAREN, "BATCHWRITE"); err != nil {
		return nil, err
	}
	return &BatchWriteStmt{stmtPos: pos(t), Hash: hash, Prop: prop.Text, Value: val}, nil
}

//  Expressions, highest binding last.

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == KW_OR {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: KW_OR, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == KW_AND {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: KW_AND, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.cur().Kind == KW_NOT {
		p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: KW_NOT, Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseBitOr()
	if err != nil {
		return nil, err
	}
	for {
		op := p.cur().Kind
		switch op {
		case ASSIGN, EQ, NEQ, LT, GT, LE, GE:
			p.advance()
			right, err := p.parseBitOr()
			if err != nil {
				return nil, err
			}
			if op == ASSIGN {
				op = EQ // = compares in expression position
			}
			left = &BinaryExpr{Op: op, Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *Parser) parseBitOr() (Expr, error) {
	left, err := p.parseBitAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == PIPE {
		p.advance()
		right, err := p.parseBitAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: PIPE, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseBitAnd() (Expr, error) {
	left, err := p.parseShift()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == AMP {
		p.advance()
		right, err := p.parseShift()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: AMP, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseShift() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == SHL || p.cur().Kind == SHR {
		op := p.advance().Kind
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == PLUS || p.cur().Kind == MINUS {
		op := p.advance().Kind
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.cur().Kind
		if op != STAR && op != SLASH && op != KW_MOD {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *Parser) parseUnary() (Expr, error) {
	switch p.cur().Kind {
	case MINUS, TILDE:
		op := p.advance().Kind
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: op, Operand: operand}, nil
	case PLUS:
		p.advance()
		return p.parseUnary()
	}
	return p.parsePower()
}

// parsePower binds tightest and associates right: 2^3^2 is 2^(3^2).
func (p *Parser) parsePower() (Expr, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.cur().Kind == CARET {
		p.advance()
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: CARET, Left: base, Right: exp}, nil
	}
	return base, nil
}

func (p *Parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch t.Kind {
	case NUMBER:
		p.advance()
		v, err := strconv.ParseFloat(t.Text, 64)
		if err != nil {
			return nil, p.errorAt(t, "bad number literal %q", t.Text)
		}
		return &NumberExpr{Value: v}, nil
	case STRING:
		p.advance()
		return &StringExpr{Value: t.Text}, nil
	case LPAREN:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RPAREN, "expression"); err != nil {
			return nil, err
		}
		return inner, nil
	case KW_THIS:
		p.advance()
		if _, err := p.expect(DOT, "THIS"); err != nil {
			return nil, err
		}
		prop, err := p.expect(IDENTIFIER, "THIS property")
		if err != nil {
			return nil, err
		}
		return &DevicePropExpr{Device: "THIS", Prop: prop.Text}, nil
	case IDENTIFIER:
		p.advance()
		switch p.cur().Kind {
		case DOT:
			p.advance()
			prop, err := p.expect(IDENTIFIER, "device property")
			if err != nil {
				return nil, err
			}
			return &DevicePropExpr{Device: t.Text, Prop: prop.Text}, nil
		case LPAREN:
			p.advance()
			call := &CallExpr{Name: t.Text}
			if p.cur().Kind != RPAREN {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					call.Args = append(call.Args, arg)
					if !p.accept(COMMA) {
						break
					}
				}
			}
			if _, err := p.expect(RPAREN, "argument list"); err != nil {
				return nil, err
			}
			return call, nil
		}
		return &IdentExpr{Name: t.Text}, nil
	}
	return nil, p.errorAt(t, "unexpected %q in expression", t.Text)
}
