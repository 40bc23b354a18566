package keylog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSetKeyLogWriter(t *testing.T) {
	var buf bytes.Buffer
	SetKeyLogWriter(&buf)
	defer SetKeyLogWriter(nil)

	w := GetWriter()
	if w == nil {
		t.Fatal("GetWriter returned nil after install")
	}
	line := "CLIENT_RANDOM 0011 2233\n"
	if _, err := w.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.String(); got != line {
		t.Errorf("expected %q, got %q", line, got)
	}

	SetKeyLogWriter(nil)
	if GetWriter() != nil {
		t.Error("expected nil sink after disabling")
	}
}

func TestSetKeyLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.log")
	if err := SetKeyLogFile(path); err != nil {
		t.Fatalf("SetKeyLogFile: %v", err)
	}

	line := "CLIENT_RANDOM aabb ccdd\n"
	if _, err := GetWriter().Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if GetWriter() != nil {
		t.Error("expected nil sink after Close")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != line {
		t.Errorf("expected %q on disk, got %q", line, string(got))
	}

	if err := SetKeyLogFile(""); err != nil {
		t.Fatalf("SetKeyLogFile empty: %v", err)
	}
	if GetWriter() != nil {
		t.Error("expected empty path to disable logging")
	}
}
