package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/streetsdigital/lugh/internal/audit"
)

func TestRecordWritesRedactedJSONLEntry(t *testing.T) {
	dir := t.TempDir()
	if err := audit.Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer audit.Close()

	audit.Record("conv-1", "tool", "bash", "high", "ran with api_key=abcdef0123456789abcdef0123456789")

	path := filepath.Join(dir, "logs", "audit.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("expected at least one line in audit log")
	}
	var decoded map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if decoded["conversation_id"] != "conv-1" || decoded["name"] != "bash" || decoded["risk_level"] != "high" {
		t.Fatalf("unexpected entry: %+v", decoded)
	}
	detail, _ := decoded["detail"].(string)
	if detail == "" || detail == "ran with api_key=abcdef0123456789abcdef0123456789" {
		t.Fatalf("expected detail to be redacted, got %q", detail)
	}
}

func TestRecordCountsHighRiskEntries(t *testing.T) {
	dir := t.TempDir()
	if err := audit.Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer audit.Close()

	before := audit.HighRiskCount()
	audit.Record("conv-2", "tool", "delete_file", "high", "removed a file")
	audit.Record("conv-2", "tool", "write_file", "medium", "wrote a file")

	if audit.HighRiskCount() != before+1 {
		t.Fatalf("expected high-risk count to increase by exactly one, got %d -> %d", before, audit.HighRiskCount())
	}
}

func TestInitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := audit.Init(dir); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	defer audit.Close()
	if err := audit.Init(dir); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}
