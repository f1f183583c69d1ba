package infra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevels(t *testing.T) {
	if got := NewLogger("development").GetLevel(); got != zerolog.DebugLevel {
		t.Fatalf("development level = %s, want debug", got)
	}
	if got := NewLogger("production").GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("production level = %s, want info", got)
	}
}

func TestNewLoggerWithFileWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinicgen.log")
	logger := NewLoggerWithFile("production", path)
	logger.Info().Str("batch_id", "b-1").Msg("batch dispatched")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"batch_id":"b-1"`) {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	l := NopLogger()
	l.Error().Msg("ignored")
}
