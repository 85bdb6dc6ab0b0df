package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mblsha/crateforge/internal/artifact"
)

// WriteArtifact stores a compile result under outDir using the file name the
// worker announced and returns the written path. Executables keep their
// exec bit. The write goes through a temp file so a partial artifact never
// replaces a good one.
func WriteArtifact(res *Result, outDir string) (string, error) {
	if res == nil {
		return "", fmt.Errorf("no artifact to write")
	}
	name, err := sanitizeArtifactName(res.FileName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	mode := os.FileMode(0o644)
	if res.Kind == artifact.KindExecutable {
		mode = 0o755
	}

	tmp, err := os.CreateTemp(outDir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(res.Data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}

	dest := filepath.Join(outDir, name)
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("install artifact: %w", err)
	}
	return dest, nil
}

// sanitizeArtifactName accepts a bare file name only; the value comes from a
// response header.
func sanitizeArtifactName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("artifact name cannot be empty")
	}
	if strings.ContainsAny(trimmed, `/\`) || trimmed == "." || trimmed == ".." || hasWindowsDrive(trimmed) {
		return "", fmt.Errorf("artifact name must be a bare file name: %q", name)
	}
	return trimmed, nil
}

func hasWindowsDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':'
}
