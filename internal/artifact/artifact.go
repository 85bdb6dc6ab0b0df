package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

type Kind string

const (
	KindLibrary    Kind = "rlib"
	KindExecutable Kind = "binary"
)

const (
	HeaderRlibFile   = "X-Rlib-File"
	HeaderBinaryFile = "X-Binary-File"
	HeaderSHA256     = "X-Artifact-Sha256"
)

// Header names the response header that announces an artifact of this kind.
func (k Kind) Header() string {
	switch k {
	case KindLibrary:
		return HeaderRlibFile
	case KindExecutable:
		return HeaderBinaryFile
	default:
		return ""
	}
}

// KindFromHeader is the inverse of Header; ok is false when neither
// artifact header is present.
func KindFromHeader(get func(string) string) (Kind, string, bool) {
	if name := strings.TrimSpace(get(HeaderRlibFile)); name != "" {
		return KindLibrary, name, true
	}
	if name := strings.TrimSpace(get(HeaderBinaryFile)); name != "" {
		return KindExecutable, name, true
	}
	return "", "", false
}

type Artifact struct {
	Kind     Kind
	FileName string
	Data     []byte
	SHA256   string
}

var (
	ErrNotFound = errors.New("no build artifact found")
	ErrRead     = errors.New("read build artifact")
)

// depsDir is relative to the profile output directory (target/debug).
const depsDir = "deps"

// Candidate is a located but not yet read artifact. Path is relative to the
// profile output directory and slash separated.
type Candidate struct {
	Kind     Kind
	Path     string
	FileName string
}

// Strategy looks for one kind of artifact. ok is false when the strategy
// found nothing; err is reserved for I/O failures other than absence.
type Strategy interface {
	Kind() Kind
	Locate(fsys fs.FS, crate string) (Candidate, bool, error)
}

// LibrarySearch matches lib<crate>.rlib or lib<crate>-<hash>.rlib in
// deps/, with dashes in the crate name normalized to
// underscores the way cargo names its outputs.
type LibrarySearch struct{}

func (LibrarySearch) Kind() Kind { return KindLibrary }

func (LibrarySearch) Locate(fsys fs.FS, crate string) (Candidate, bool, error) {
	entries, err := fs.ReadDir(fsys, depsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Candidate{}, false, nil
		}
		return Candidate{}, false, fmt.Errorf("list %s: %w", depsDir, err)
	}

	norm := "lib" + NormalizeCrateName(crate)
	matches := make([]string, 0, 1)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".rlib") {
			continue
		}
		if name == norm+".rlib" || strings.HasPrefix(name, norm+"-") {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return Candidate{}, false, nil
	}
	sort.Strings(matches)
	return Candidate{
		Kind:     KindLibrary,
		Path:     path.Join(depsDir, matches[0]),
		FileName: matches[0],
	}, true, nil
}

// ExecutableSearch matches <crate> directly under the profile directory.
type ExecutableSearch struct{}

func (ExecutableSearch) Kind() Kind { return KindExecutable }

func (ExecutableSearch) Locate(fsys fs.FS, crate string) (Candidate, bool, error) {
	p := crate
	if !fs.ValidPath(p) || strings.Contains(crate, "/") {
		return Candidate{}, false, nil
	}
	fi, err := fs.Stat(fsys, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Candidate{}, false, nil
		}
		return Candidate{}, false, fmt.Errorf("stat %s: %w", p, err)
	}
	if !fi.Mode().IsRegular() {
		return Candidate{}, false, nil
	}
	return Candidate{Kind: KindExecutable, Path: p, FileName: crate}, true, nil
}

// DefaultStrategies is the search order used by the server: library
// archives win over executables.
func DefaultStrategies() []Strategy {
	return []Strategy{LibrarySearch{}, ExecutableSearch{}}
}

// Resolve runs the strategies in order over fsys, which is rooted at the
// toolchain's profile output directory, and reads the first match.
// It returns ErrNotFound when nothing matched and wraps ErrRead when a
// match could not be read.
func Resolve(fsys fs.FS, crate string, strategies ...Strategy) (*Artifact, error) {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	for _, s := range strategies {
		c, ok, err := s.Locate(fsys, crate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRead, err)
		}
		if !ok {
			continue
		}
		data, err := fs.ReadFile(fsys, c.Path)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %v", ErrRead, c.Path, err)
		}
		sum := sha256.Sum256(data)
		return &Artifact{
			Kind:     c.Kind,
			FileName: c.FileName,
			Data:     data,
			SHA256:   hex.EncodeToString(sum[:]),
		}, nil
	}
	return nil, fmt.Errorf("%w for crate %q", ErrNotFound, crate)
}

func NormalizeCrateName(crate string) string {
	return strings.ReplaceAll(crate, "-", "_")
}
