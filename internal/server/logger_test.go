package server

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWritesJSONToPlainFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	logger := Logger("WARN", f)
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("level: %s", logger.GetLevel())
	}
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", data)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("non-terminal output must stay JSON: %v", err)
	}
	if entry["message"] != "shown" {
		t.Fatalf("entry: %v", entry)
	}
}

func TestLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	if lvl := Logger("verbose", &buf).GetLevel(); lvl != zerolog.InfoLevel {
		t.Fatalf("level: %s", lvl)
	}
}
