package ic10

import (
	"strings"
	"testing"
)

func TestParseResolvesLabels(t *testing.T) {
	prog, err := Parse(`
		move r0 0
	loop:
		add r0 r0 1
		blt r0 10 loop
		hcf
	`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(prog) != 4 {
		t.Fatalf("got %d instructions, want 4", len(prog))
	}
	branch := prog[2]
	if branch.Op != Blt {
		t.Fatalf("instruction 2 is %s, want blt", branch.Op)
	}
	target := branch.Operands[2]
	if target.Kind != KindImmediate || target.Imm != 1 {
		t.Errorf("label resolved to %v, want 1", target)
	}
}

func TestParseForwardLabel(t *testing.T) {
	prog, err := Parse(`
		beqz r0 done
		move r1 1
	done:
		hcf
	`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := prog[0].Operands[1].Imm; got != 2 {
		t.Errorf("forward label resolved to %g, want 2", got)
	}
}

func TestParseOperandKinds(t *testing.T) {
	prog, err := Parse("l r3 d0 Temperature\nsb -851746783 On r3\npush sp\nj ra")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if prog[0].Operands[1].Kind != KindDevice || prog[0].Operands[1].Dev != 0 {
		t.Errorf("d0 parsed as %v", prog[0].Operands[1])
	}
	if prog[0].Operands[2].Kind != KindName {
		t.Errorf("property parsed as %v", prog[0].Operands[2])
	}
	if prog[1].Operands[0].Imm != -851746783 {
		t.Errorf("hash parsed as %v", prog[1].Operands[0])
	}
	if prog[3].Operands[0].Reg != RegRA {
		t.Errorf("ra parsed as %v", prog[3].Operands[0])
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"duplicate label", "x:\nmove r0 1\nx:\nhcf", "duplicate label"},
		{"bad shape", "move 1 r0", "register"},
		{"unknown opcode", "frobnicate r0", "unknown opcode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParseRejectsOversizedProgram(t *testing.T) {
	var sb strings.Builder
	for i := 0; i <= MaxProgramSize; i++ {
		sb.WriteString("move r0 1\n")
	}
	if _, err := Parse(sb.String()); err == nil {
		t.Fatal("expected error for oversized program")
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	text := "move r0 10\nadd r1 r0 5\ns d0 On r1\nhcf"
	prog, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	got := strings.TrimSpace(FormatProgram(prog, Compact))
	if got != text {
		t.Errorf("round trip changed program:\ngot:\n%s\nwant:\n%s", got, text)
	}
}
