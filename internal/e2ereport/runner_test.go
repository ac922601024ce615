package e2ereport

import (
	"bytes"
	"strings"
	"testing"
)

func TestRegexpWriterCapturesResultLine(t *testing.T) {
	w := &regexpWriter{beginMatcher: resultBegin}
	_, _ = w.Write([]byte("SUCCESS! -- 4 Passed | 0 Failed | 0 Pending | 0 Skipped\n"))

	if len(w.result) != 1 {
		t.Fatalf("expected 1 captured line, got %d", len(w.result))
	}
	if !strings.HasPrefix(w.result[0], "SUCCESS!") {
		t.Fatalf("unexpected captured line: %q", w.result[0])
	}
}

func TestRegexpWriterCapturesFailureBlock(t *testing.T) {
	w := &regexpWriter{beginMatcher: failureBegin, endMatcher: failureEnd}
	input := "•! Failure in Spec Setup (BeforeEach) [0.002 seconds]\nsome detail line\n------------------------------\n"
	_, _ = w.Write([]byte(input))

	if len(w.result) != 1 {
		t.Fatalf("expected 1 captured block, got %d", len(w.result))
	}
	if !strings.Contains(w.result[0], "some detail line") {
		t.Fatalf("expected block to include detail line, got %q", w.result[0])
	}
}

func TestRunSuiteReportsFailureOnNonZeroExit(t *testing.T) {
	var log bytes.Buffer
	message, _, pass := RunSuite("/bin/sh", []string{"-c", "echo boom >&2; exit 1"}, &log)

	if pass {
		t.Fatal("expected pass=false for a nonzero exit")
	}
	if message == "" {
		t.Fatal("expected a non-empty message on failure")
	}
}
