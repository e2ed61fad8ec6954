package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "inboxd.log")

	logger, err := New(path, "test", "debug")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(data, &line); err != nil {
		t.Fatalf("log line is not JSON: %q", data)
	}
	if line["msg"] != "hello" || line["session"] != "test" {
		t.Errorf("line = %v", line)
	}
	if _, ok := line["ts"]; !ok {
		t.Error("missing ts key")
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inboxd.log")

	logger, err := New(path, "test", "bogus")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("dropped")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("debug line written at info level: %q", data)
	}
}
