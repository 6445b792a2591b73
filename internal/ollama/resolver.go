// Package ollama locates GGUF blobs in a local Ollama model store so a
// vocabulary can be referenced by model name instead of file path.
package ollama

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	DefaultTag      = "latest"
	DefaultRegistry = "registry.ollama.ai"
	DefaultLibrary  = "library"
	MediaTypeModel  = "application/vnd.ollama.image.model"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Dir returns the model store root, honouring OLLAMA_MODELS.
func Dir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// LooksLikeReference reports whether s is a model reference rather than a path.
func LooksLikeReference(s string) bool {
	if s == "" || strings.ContainsAny(s, `/\`) || strings.HasSuffix(s, ".gguf") {
		return false
	}
	_, err := os.Stat(s)
	return os.IsNotExist(err)
}

// ResolveModelPath finds the GGUF blob for "name" or "name:tag" in the default store.
func ResolveModelPath(modelName string) (string, error) {
	baseDir, err := Dir()
	if err != nil {
		return "", err
	}
	return ResolveIn(baseDir, modelName)
}

// ResolveIn finds the GGUF blob for modelName under baseDir.
func ResolveIn(baseDir, modelName string) (string, error) {
	name, tag, found := strings.Cut(modelName, ":")
	if !found || tag == "" {
		tag = DefaultTag
	}
	if name == "" {
		return "", fmt.Errorf("empty model name")
	}

	manifestPath := filepath.Join(baseDir, "manifests", DefaultRegistry, DefaultLibrary, name, tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("read manifest for %s:%s: %w", name, tag, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var blobDigest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			blobDigest = l.Digest
			break
		}
	}
	if blobDigest == "" {
		return "", fmt.Errorf("no model layer in manifest %s", manifestPath)
	}

	// Digest "sha256:hash" is stored as blobs/sha256-hash.
	blobPath := filepath.Join(baseDir, "blobs", strings.Replace(blobDigest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("model blob for %s:%s: %w", name, tag, err)
	}
	return blobPath, nil
}
