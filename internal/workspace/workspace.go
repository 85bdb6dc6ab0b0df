// Package workspace provisions the per-request scratch directory a build
// runs in. A Workspace is owned by exactly one request and is removed by
// Close, which callers defer immediately after Provision succeeds.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const dirPrefix = "crateforge-"

type Workspace struct {
	Root string

	once     sync.Once
	closeErr error
}

// Provision creates a fresh, uniquely named directory under baseDir (the
// platform temp dir when baseDir is empty). id is folded into the name to
// make leftovers traceable to a request; uniqueness comes from
// os.MkdirTemp.
func Provision(baseDir, id string) (*Workspace, error) {
	root, err := os.MkdirTemp(baseDir, dirPrefix+sanitizeID(id)+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	return &Workspace{Root: abs}, nil
}

// Close removes the workspace and everything under it. It is safe to call
// more than once.
func (w *Workspace) Close() error {
	if w == nil {
		return nil
	}
	w.once.Do(func() {
		if err := os.RemoveAll(w.Root); err != nil {
			w.closeErr = fmt.Errorf("remove workspace %s: %w", w.Root, err)
		}
	})
	return w.closeErr
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
		if b.Len() >= 36 {
			break
		}
	}
	if b.Len() == 0 {
		return "req"
	}
	return b.String()
}
