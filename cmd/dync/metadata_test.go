package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildMetadata_OverridesOnly(t *testing.T) {
	t.Parallel()

	out, err := buildMetadata("", []string{"owner:alice", "retries:3", "urgent:true"})
	if err != nil {
		t.Fatalf("buildMetadata: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	if got["owner"] != "alice" {
		t.Errorf("owner = %v, want alice", got["owner"])
	}
	if got["retries"] != float64(3) {
		t.Errorf("retries = %v, want 3", got["retries"])
	}
	if got["urgent"] != true {
		t.Errorf("urgent = %v, want true", got["urgent"])
	}
}

func TestBuildMetadata_FileBasePlusOverride(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meta.json")
	if err := os.WriteFile(path, []byte(`{"owner":"bob","team":"infra"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := buildMetadata(path, []string{"owner:alice"})
	if err != nil {
		t.Fatalf("buildMetadata: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	if got["owner"] != "alice" {
		t.Errorf("owner = %v, want alice (override should win)", got["owner"])
	}
	if got["team"] != "infra" {
		t.Errorf("team = %v, want infra (preserved from file)", got["team"])
	}
}

func TestBuildMetadata_MalformedOverride_ReturnsUsageError(t *testing.T) {
	t.Parallel()

	_, err := buildMetadata("", []string{"no-colon-here"})
	if err == nil {
		t.Fatal("expected an error for a malformed -k override")
	}
}
