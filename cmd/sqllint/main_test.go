package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGo(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLintAcceptsMarkedQueries(t *testing.T) {
	var out bytes.Buffer
	if code := lint([]string{"../../internal/sqlinline"}, &out); code != 0 {
		t.Fatalf("sqlinline queries rejected:\n%s", out.String())
	}
}

func TestLintReportsProblems(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "package q\n\nconst QMissing = `select 1`\n\nconst QOK = `--sql 11111111-2222-3333-4444-555555555555\nselect 2`\n")
	writeGo(t, dir, "b.go", "package q\n\nconst QDup = `--sql 11111111-2222-3333-4444-555555555555\nselect 3`\n\nconst Greeting = \"hello\"\n")

	var out bytes.Buffer
	if code := lint([]string{dir}, &out); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	report := out.String()
	if !strings.Contains(report, "QMissing") || !strings.Contains(report, "marker already used by QOK") {
		t.Fatalf("unexpected report:\n%s", report)
	}
	if strings.Contains(report, "Greeting") {
		t.Fatalf("non-SQL constant reported:\n%s", report)
	}
}
