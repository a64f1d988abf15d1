package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "json", DEBUG)
	defer Configure(os.Stderr, "", INFO)

	logger := NewLogger("versioning")
	logger.Info("Version recorded", map[string]interface{}{
		"doc_id": "doc-1",
		"error":  errors.New("boom"),
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "versioning" {
		t.Errorf("Expected component versioning, got %v", entry["component"])
	}
	if entry["msg"] != "Version recorded" {
		t.Errorf("Unexpected message %v", entry["msg"])
	}
	if entry["error"] != "boom" {
		t.Errorf("Expected error field rendered as string, got %v", entry["error"])
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "text", WARN)
	defer Configure(os.Stderr, "", INFO)

	logger := NewLogger("storage")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Info message should be filtered at WARN: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("Warn message missing: %q", out)
	}

	buf.Reset()
	Configure(&buf, "text", DEBUG)
	logger.SetLevel(ERROR)
	logger.WithFields(map[string]interface{}{"doc_id": "d"}).Warn("component filtered")
	if buf.Len() != 0 {
		t.Errorf("Component level should filter warn, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"WARNING": WARN,
		"error":   ERROR,
		"":        INFO,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
