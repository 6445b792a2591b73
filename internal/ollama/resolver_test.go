package ollama

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeStore(t *testing.T, name, tag string, layers []Layer, blobs ...string) string {
	t.Helper()
	base := t.TempDir()
	dir := filepath.Join(base, "manifests", DefaultRegistry, DefaultLibrary, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(Manifest{SchemaVersion: 2, Layers: layers})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, tag), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(base, "blobs"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, b := range blobs {
		if err := os.WriteFile(filepath.Join(base, "blobs", b), []byte("GGUF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return base
}

func TestResolveInDefaultTag(t *testing.T) {
	base := writeStore(t, "gpt2", DefaultTag, []Layer{
		{MediaType: "application/vnd.ollama.image.license", Digest: "sha256:lic"},
		{MediaType: MediaTypeModel, Digest: "sha256:abc123", Size: 4},
	}, "sha256-abc123")

	path, err := ResolveIn(base, "gpt2")
	if err != nil {
		t.Fatalf("ResolveIn: %v", err)
	}
	want := filepath.Join(base, "blobs", "sha256-abc123")
	if path != want {
		t.Errorf("got %s, want %s", path, want)
	}
}

func TestResolveInExplicitTag(t *testing.T) {
	base := writeStore(t, "llama3", "8b", []Layer{
		{MediaType: MediaTypeModel, Digest: "sha256:def456"},
	}, "sha256-def456")

	if _, err := ResolveIn(base, "llama3:8b"); err != nil {
		t.Fatalf("ResolveIn: %v", err)
	}
	if _, err := ResolveIn(base, "llama3"); err == nil {
		t.Error("expected error for missing latest tag")
	}
}

func TestResolveInErrors(t *testing.T) {
	noModel := writeStore(t, "x", DefaultTag, []Layer{{MediaType: "other", Digest: "sha256:1"}})
	if _, err := ResolveIn(noModel, "x"); err == nil {
		t.Error("expected error when manifest has no model layer")
	}

	noBlob := writeStore(t, "y", DefaultTag, []Layer{{MediaType: MediaTypeModel, Digest: "sha256:2"}})
	if _, err := ResolveIn(noBlob, "y"); err == nil {
		t.Error("expected error when blob is missing")
	}

	if _, err := ResolveIn(t.TempDir(), ":latest"); err == nil {
		t.Error("expected error for empty model name")
	}
}

func TestDirHonoursEnv(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", "/srv/models")
	dir, err := Dir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/srv/models" {
		t.Errorf("expected env override, got %s", dir)
	}
}

func TestLooksLikeReference(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "vocab")
	if err := os.WriteFile(existing, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		in   string
		want bool
	}{
		{"gpt2", true},
		{"llama3:8b", true},
		{"models/vocab.gguf", false},
		{"vocab.gguf", false},
		{"", false},
		{existing, false},
	}
	for _, tt := range tests {
		if got := LooksLikeReference(tt.in); got != tt.want {
			t.Errorf("LooksLikeReference(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
