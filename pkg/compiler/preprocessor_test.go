package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPreprocessNoIncludes(t *testing.T) {
	src := "x = 1\ny = 2"
	flat, refs, err := Preprocess(src, Options{})
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if !strings.Contains(flat, "x = 1") || !strings.Contains(flat, "y = 2") {
		t.Errorf("flat = %q", flat)
	}
	if len(refs) != 2 || refs[0].Line != 1 || refs[1].Line != 2 {
		t.Errorf("refs = %+v", refs)
	}
}

func TestPreprocessInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib.bas", "CONST LIMIT = 10")
	main := writeFile(t, dir, "main.bas", "INCLUDE \"lib.bas\"\nx = LIMIT")

	src, _ := os.ReadFile(main)
	flat, refs, err := Preprocess(string(src), Options{SourceFilePath: main})
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if !strings.Contains(flat, "CONST LIMIT = 10") {
		t.Errorf("include was not expanded:\n%s", flat)
	}
	// The first flattened line came from lib.bas.
	if refs[0].File != "lib.bas" || refs[0].Line != 1 {
		t.Errorf("refs[0] = %+v", refs[0])
	}
}

func TestPreprocessIncludeDirFallback(t *testing.T) {
	srcDir := t.TempDir()
	libDir := t.TempDir()
	writeFile(t, libDir, "lib.bas", "CONST A = 1")
	main := writeFile(t, srcDir, "main.bas", "INCLUDE \"lib.bas\"")

	src, _ := os.ReadFile(main)
	flat, _, err := Preprocess(string(src), Options{SourceFilePath: main, IncludeDir: libDir})
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if !strings.Contains(flat, "CONST A = 1") {
		t.Errorf("include dir fallback did not resolve:\n%s", flat)
	}
}

func TestPreprocessSkipsRepeatedInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib.bas", "CONST A = 1")
	main := writeFile(t, dir, "main.bas", "INCLUDE \"lib.bas\"\nINCLUDE \"lib.bas\"")

	src, _ := os.ReadFile(main)
	flat, _, err := Preprocess(string(src), Options{SourceFilePath: main})
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if strings.Count(flat, "CONST A = 1") != 1 {
		t.Errorf("repeated include expanded twice:\n%s", flat)
	}
}

func TestPreprocessBreaksCycles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.bas", "INCLUDE \"b.bas\"\nCONST A = 1")
	writeFile(t, dir, "b.bas", "INCLUDE \"a.bas\"\nCONST B = 2")
	main := writeFile(t, dir, "main.bas", "INCLUDE \"a.bas\"")

	src, _ := os.ReadFile(main)
	flat, _, err := Preprocess(string(src), Options{SourceFilePath: main})
	if err != nil {
		t.Fatalf("cycle was not broken: %v", err)
	}
	if !strings.Contains(flat, "CONST A = 1") || !strings.Contains(flat, "CONST B = 2") {
		t.Errorf("flat = %q", flat)
	}
}

func TestPreprocessMissingFile(t *testing.T) {
	_, _, err := Preprocess("INCLUDE \"nope.bas\"", Options{})
	if err == nil {
		t.Fatal("expected error for missing include")
	}
	if !strings.Contains(err.Error(), "nope.bas") {
		t.Errorf("error = %v", err)
	}
}

func TestIncludeRequiresQuotedPath(t *testing.T) {
	// An identifier that merely starts with INCLUDE is ordinary source.
	flat, _, err := Preprocess("includeCount = 1", Options{})
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if !strings.Contains(flat, "includeCount = 1") {
		t.Errorf("flat = %q", flat)
	}
}
