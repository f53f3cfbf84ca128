package configstore

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestWriteValueSetsExistingScalar(t *testing.T) {
	path := writeTempConfig(t, "llm:\n  default_provider: openai\n")
	s := New(path)

	if err := s.WriteValue("llm.default_provider", "anthropic"); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	got, err := s.Read("llm.default_provider")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "anthropic" {
		t.Errorf("Read = %v, want anthropic", got)
	}
}

func TestWriteValueCreatesMissingPath(t *testing.T) {
	path := writeTempConfig(t, "llm:\n  default_provider: openai\n")
	s := New(path)

	if err := s.WriteValue("session.heartbeat.enabled", true); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	got, err := s.Read("session.heartbeat.enabled")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != true {
		t.Errorf("Read = %v, want true", got)
	}
}

func TestWriteBatchAppliesAllEditsAtomically(t *testing.T) {
	path := writeTempConfig(t, "tools:\n  approval: {}\n")
	s := New(path)

	err := s.WriteBatch([]Edit{
		{Path: "tools.approval.ask_fallback", Value: false},
		{Path: "tools.max_retries", Value: 3},
	})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	fallback, err := s.Read("tools.approval.ask_fallback")
	if err != nil {
		t.Fatalf("Read ask_fallback: %v", err)
	}
	if fallback != false {
		t.Errorf("ask_fallback = %v, want false", fallback)
	}

	retries, err := s.Read("tools.max_retries")
	if err != nil {
		t.Fatalf("Read max_retries: %v", err)
	}
	if retries != 3 {
		t.Errorf("max_retries = %v, want 3", retries)
	}
}

func TestReadMissingPathReturnsNilNoError(t *testing.T) {
	path := writeTempConfig(t, "llm:\n  default_provider: openai\n")
	s := New(path)

	got, err := s.Read("does.not.exist")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Errorf("Read = %v, want nil", got)
	}
}

func TestWriteValuePreservesFileMode(t *testing.T) {
	path := writeTempConfig(t, "llm:\n  default_provider: openai\n")
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	s := New(path)

	if err := s.WriteValue("llm.default_provider", "ollama"); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestWriteValueOnMissingFileCreatesIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	s := New(path)

	if err := s.WriteValue("llm.default_provider", "anthropic"); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	got, err := s.Read("llm.default_provider")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "anthropic" {
		t.Errorf("Read = %v, want anthropic", got)
	}
}
