package client

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/mblsha/crateforge/internal/archive"
	"github.com/mblsha/crateforge/internal/manifest"
)

type BundleOptions struct {
	// Encoding compresses the tar stream: identity, gzip or zstd.
	Encoding string
	// Exclude holds extra path.Match patterns, matched against the
	// slash-separated path relative to the bundle root and its base name.
	Exclude []string
}

// defaultExcludes never leave the client: build output and VCS metadata.
var defaultExcludes = []string{"target", ".git", ".hg", ".svn"}

// BuildBundle packs a crate or workspace directory into a tar stream ready
// for POST /compile. The directory must contain a Cargo.toml.
func BuildBundle(dir string, opts BundleOptions) ([]byte, error) {
	enc, err := archive.NormalizeEncoding(opts.Encoding)
	if err != nil {
		return nil, err
	}
	for _, pattern := range opts.Exclude {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("bundle source: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("bundle source %s is not a directory", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, manifest.FileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no %s in %s", manifest.FileName, dir)
		}
		return nil, err
	}

	var buf bytes.Buffer
	w, err := archive.NewEncoder(enc, &buf)
	if err != nil {
		return nil, err
	}
	if err := archive.WriteTarFromDir(dir, w, skipper(opts.Exclude)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write bundle: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish bundle: %w", err)
	}
	return buf.Bytes(), nil
}

func skipper(extra []string) archive.SkipFunc {
	return func(rel string, d fs.DirEntry) bool {
		if d.IsDir() {
			for _, name := range defaultExcludes {
				if d.Name() == name {
					return true
				}
			}
		}
		for _, pattern := range extra {
			if ok, _ := path.Match(pattern, rel); ok {
				return true
			}
			if ok, _ := path.Match(pattern, path.Base(rel)); ok {
				return true
			}
		}
		return false
	}
}
