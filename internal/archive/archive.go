package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrEmptyArchive = errors.New("archive contains no entries")

type Limits struct {
	MaxFiles      int
	MaxTotalBytes int64
	MaxFileBytes  int64
}

// ExtractTarSecure unpacks an uncompressed tar stream into dest. Links,
// device nodes and any entry that would land outside dest are rejected.
// It returns the slash-separated names of the regular files it wrote.
func ExtractTarSecure(r io.Reader, dest string, limits Limits) ([]string, error) {
	if limits.MaxFiles <= 0 || limits.MaxTotalBytes <= 0 || limits.MaxFileBytes <= 0 {
		return nil, errors.New("invalid extraction limits")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dest: %w", err)
	}

	tr := tar.NewReader(r)
	cleanDest := filepath.Clean(dest)
	var total int64
	var count int
	created := make([]string, 0, 64)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		entryName, err := sanitizeEntryName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if entryName == "." {
			// "./" as produced by `tar -C dir .`
			if hdr.Typeflag == tar.TypeDir {
				continue
			}
			return nil, fmt.Errorf("invalid tar entry name: %s", hdr.Name)
		}
		count++
		if count > limits.MaxFiles {
			return nil, fmt.Errorf("tar has too many entries: %d > %d", count, limits.MaxFiles)
		}

		targetPath := filepath.Join(cleanDest, filepath.FromSlash(entryName))
		cleanTarget := filepath.Clean(targetPath)
		if !strings.HasPrefix(cleanTarget, cleanDest+string(os.PathSeparator)) {
			return nil, fmt.Errorf("tar entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(cleanTarget, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %q: %w", cleanTarget, err)
			}
			continue
		case tar.TypeReg:
		case tar.TypeSymlink, tar.TypeLink:
			return nil, fmt.Errorf("link entry not allowed: %s", hdr.Name)
		default:
			return nil, fmt.Errorf("unsupported tar entry type %q: %s", hdr.Typeflag, hdr.Name)
		}

		if hdr.Size < 0 || hdr.Size > limits.MaxFileBytes {
			return nil, fmt.Errorf("tar entry too large: %s", hdr.Name)
		}
		total += hdr.Size
		if total > limits.MaxTotalBytes {
			return nil, fmt.Errorf("tar total size exceeds limit")
		}

		if err := os.MkdirAll(filepath.Dir(cleanTarget), 0o755); err != nil {
			return nil, fmt.Errorf("create parent directory: %w", err)
		}

		mode := os.FileMode(0o644)
		if hdr.Mode&0o111 != 0 {
			mode = 0o755
		}
		wf, err := os.OpenFile(cleanTarget, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return nil, fmt.Errorf("create output file %q: %w", cleanTarget, err)
		}

		n, copyErr := io.Copy(wf, io.LimitReader(tr, limits.MaxFileBytes+1))
		closeErr := wf.Close()
		if copyErr != nil {
			return nil, fmt.Errorf("extract %q: %w", hdr.Name, copyErr)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close output file %q: %w", cleanTarget, closeErr)
		}
		if n > limits.MaxFileBytes {
			return nil, fmt.Errorf("tar entry exceeds max file bytes while extracting: %s", hdr.Name)
		}

		created = append(created, entryName)
	}

	if count == 0 {
		return nil, ErrEmptyArchive
	}
	return created, nil
}

// SkipFunc reports whether a path (slash-separated, relative to the walked
// root) should be left out of an archive. Returning true for a directory
// prunes the whole subtree.
type SkipFunc func(rel string, d fs.DirEntry) bool

// WriteTarFromDir writes srcDir as an uncompressed tar stream. Entries are
// emitted in lexical order; owner names and numeric ids are dropped.
func WriteTarFromDir(srcDir string, w io.Writer, skip SkipFunc) error {
	tw := tar.NewWriter(w)

	cleanSrc := filepath.Clean(srcDir)
	err := filepath.WalkDir(cleanSrc, func(pathNow string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(cleanSrc, pathNow)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		tarName := filepath.ToSlash(rel)
		if strings.HasPrefix(tarName, "../") {
			return fmt.Errorf("invalid relative path: %s", rel)
		}
		if skip != nil && skip(tarName, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlinks cannot be bundled: %s", tarName)
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		header.Name = tarName
		if d.IsDir() {
			header.Name += "/"
		}
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""
		header.Format = tar.FormatPAX

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rf, err := os.Open(pathNow)
		if err != nil {
			return err
		}
		defer rf.Close()

		_, err = io.Copy(tw, rf)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

func sanitizeEntryName(name string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if raw == "" {
		return "", errors.New("tar entry name cannot be empty")
	}
	if strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("absolute tar entry path not allowed: %s", name)
	}
	if hasWindowsDrive(raw) {
		return "", fmt.Errorf("absolute tar entry path not allowed: %s", name)
	}
	cleaned := path.Clean(raw)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal tar entry not allowed: %s", name)
	}
	return cleaned, nil
}

func hasWindowsDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':'
}
