package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const FileName = "Cargo.toml"

const maxPackageNameLen = 64

type Package struct {
	Name    string `toml:"name"`
	Version string `toml:"version,omitempty"`
	Edition string `toml:"edition,omitempty"`
}

type Target struct {
	Name string `toml:"name,omitempty"`
	Path string `toml:"path,omitempty"`
}

type Workspace struct {
	Members []string `toml:"members,omitempty"`
	Exclude []string `toml:"exclude,omitempty"`
}

// Manifest is the subset of a Cargo.toml needed to name and locate build
// targets. Unknown keys are ignored.
type Manifest struct {
	Package   *Package   `toml:"package,omitempty"`
	Lib       *Target    `toml:"lib,omitempty"`
	Bins      []Target   `toml:"bin,omitempty"`
	Workspace *Workspace `toml:"workspace,omitempty"`
}

func Parse(raw []byte) (Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(string(raw), &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

func Load(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Manifest{}, err
	}
	return Parse(raw)
}

// PackageName returns [package].name. Virtual workspace manifests have no
// package and yield an error.
func (m Manifest) PackageName() (string, error) {
	if m.Package == nil || strings.TrimSpace(m.Package.Name) == "" {
		if m.Workspace != nil {
			return "", errors.New("virtual workspace manifest has no package name")
		}
		return "", errors.New("manifest has no package name")
	}
	return strings.TrimSpace(m.Package.Name), nil
}

// Validate checks the package name and that explicit target paths stay
// inside root and exist.
func (m *Manifest) Validate(root string) error {
	if m.Package != nil {
		if err := ValidatePackageName(m.Package.Name); err != nil {
			return err
		}
	}
	if m.Package == nil && m.Workspace == nil {
		return errors.New("manifest needs a [package] or [workspace] section")
	}
	if m.Lib != nil && m.Lib.Path != "" {
		cleaned, err := sanitizePath(m.Lib.Path)
		if err != nil {
			return fmt.Errorf("lib: %w", err)
		}
		if err := fileExistsUnderRoot(root, cleaned); err != nil {
			return fmt.Errorf("lib %q: %w", cleaned, err)
		}
		m.Lib.Path = cleaned
	}
	for i, bin := range m.Bins {
		if bin.Path == "" {
			continue
		}
		cleaned, err := sanitizePath(bin.Path)
		if err != nil {
			return fmt.Errorf("bin: %w", err)
		}
		if err := fileExistsUnderRoot(root, cleaned); err != nil {
			return fmt.Errorf("bin %q: %w", cleaned, err)
		}
		m.Bins[i].Path = cleaned
	}
	if m.Workspace != nil {
		for _, member := range m.Workspace.Members {
			if strings.ContainsAny(member, "*?[") {
				continue
			}
			if _, err := sanitizePath(member); err != nil {
				return fmt.Errorf("workspace member: %w", err)
			}
		}
	}
	return nil
}

// HasLibrary reports whether the package in dir builds a library target,
// either declared with [lib] or implied by src/lib.rs.
func (m Manifest) HasLibrary(dir string) bool {
	if m.Package == nil {
		return false
	}
	if m.Lib != nil {
		return true
	}
	return fileExistsUnderRoot(dir, "src/lib.rs") == nil
}

// HasBinary reports whether the package in dir builds an executable named
// after the package, declared or implied by src/main.rs.
func (m Manifest) HasBinary(dir string) bool {
	if m.Package == nil {
		return false
	}
	for _, bin := range m.Bins {
		if bin.Name == "" || bin.Name == m.Package.Name {
			return true
		}
	}
	return fileExistsUnderRoot(dir, "src/main.rs") == nil
}

// ValidatePackageName applies cargo's package-name alphabet. The leading
// dash check also keeps the name from being read as a command-line flag.
// The server runs it before invoking cargo, so a name such as foo.bar is a
// 400 here rather than cargo's "did not match any packages" 500.
func ValidatePackageName(name string) error {
	if name == "" {
		return errors.New("package name is required")
	}
	if len(name) > maxPackageNameLen {
		return fmt.Errorf("package name longer than %d characters", maxPackageNameLen)
	}
	if name[0] == '-' {
		return fmt.Errorf("package name %q must not start with '-'", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("package name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// CrateName is the name rustc uses for a package's library: dashes become
// underscores, so package hello-lib produces libhello_lib-<hash>.rlib.
func CrateName(pkg string) string {
	return strings.ReplaceAll(pkg, "-", "_")
}

type Found struct {
	// Dir is slash-separated and relative to the walked root.
	Dir      string
	Manifest Manifest
}

// FindAll walks root for Cargo.toml files, skipping target/ and hidden
// directories. Results are ordered by Dir.
func FindAll(root string) ([]Found, error) {
	var out []Found
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if p != root && (name == "target" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != FileName {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		m, err := Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return err
		}
		out = append(out, Found{Dir: filepath.ToSlash(rel), Manifest: m})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out, nil
}

func sanitizePath(p string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if raw == "" {
		return "", errors.New("path cannot be empty")
	}
	if strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("absolute path %q not allowed", p)
	}
	if hasWindowsDrive(raw) {
		return "", fmt.Errorf("absolute path %q not allowed", p)
	}
	cleaned := path.Clean(raw)
	if cleaned == "." {
		return "", errors.New("path cannot be current directory")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal %q not allowed", p)
	}
	return cleaned, nil
}

func hasWindowsDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':'
}

func fileExistsUnderRoot(root, rel string) error {
	full, err := safeJoin(root, rel)
	if err != nil {
		return err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("expected file, got directory")
	}
	return nil
}

func safeJoin(root, rel string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	cleanFull := filepath.Clean(full)
	if cleanFull == cleanRoot {
		return "", fmt.Errorf("path resolves to root")
	}
	prefix := cleanRoot + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFull, prefix) {
		return "", fmt.Errorf("path escapes root")
	}
	return cleanFull, nil
}
