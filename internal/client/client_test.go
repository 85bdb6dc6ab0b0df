package client

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/mblsha/crateforge/internal/artifact"
)

func TestBuildBundle_SkipsTargetAndVCS(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"Cargo.toml":                    "[package]\nname = \"hello\"\n",
		"src/lib.rs":                    "pub fn hi() {}\n",
		"target/debug/libhello.rlib":    "stale",
		".git/HEAD":                     "ref: refs/heads/main\n",
		"crates/inner/target/debug/bin": "stale",
		"notes.swp":                     "editor",
	})

	bundle, err := BuildBundle(dir, BundleOptions{Exclude: []string{"*.swp"}})
	if err != nil {
		t.Fatalf("build bundle failed: %v", err)
	}
	names := tarNames(t, bytes.NewReader(bundle))
	want := []string{"Cargo.toml", "crates/", "crates/inner/", "src/", "src/lib.rs"}
	if len(names) != len(want) {
		t.Fatalf("unexpected bundle contents: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected bundle contents: %v", names)
		}
	}
}

func TestBuildBundle_Zstd(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"Cargo.toml":  "[package]\nname = \"hello\"\n",
		"src/main.rs": "fn main() {}\n",
	})
	bundle, err := BuildBundle(dir, BundleOptions{Encoding: "zstd"})
	if err != nil {
		t.Fatalf("build bundle failed: %v", err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(bundle))
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	names := tarNames(t, dec)
	if len(names) != 3 {
		t.Fatalf("unexpected bundle contents: %v", names)
	}
}

func TestBuildBundle_RequiresCargoManifest(t *testing.T) {
	if _, err := BuildBundle(t.TempDir(), BundleOptions{}); err == nil {
		t.Fatalf("expected missing Cargo.toml error")
	}
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"Cargo.toml": "[package]\nname = \"x\"\n"})
	if _, err := BuildBundle(dir, BundleOptions{Encoding: "brotli"}); err == nil {
		t.Fatalf("expected unsupported encoding error")
	}
	if _, err := BuildBundle(dir, BundleOptions{Exclude: []string{"["}}); err == nil {
		t.Fatalf("expected bad pattern error")
	}
}

func TestClient_CompileSendsQueryAndEncoding(t *testing.T) {
	var gotQuery, gotEncoding string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("crate_name")
		gotEncoding = r.Header.Get("Content-Encoding")
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("X-Binary-File", "hello")
		w.Header().Set("X-Request-Id", "abc")
		_, _ = w.Write([]byte("ELF"))
	}))
	defer ts.Close()

	c := &HTTPClient{BaseURL: ts.URL + "/"}
	res, err := c.Compile(context.Background(), "hello", []byte("tar"), "gzip")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if gotQuery != "hello" || gotEncoding != "gzip" {
		t.Fatalf("unexpected request: crate=%q encoding=%q", gotQuery, gotEncoding)
	}
	if res.Kind != artifact.KindExecutable || res.FileName != "hello" || string(res.Data) != "ELF" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RequestID != "abc" || len(res.SHA256) != 64 {
		t.Fatalf("unexpected metadata: %+v", res)
	}
}

func TestClient_CompileReportsBuildFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Build-Errors", "2")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("error[E0425]: cannot find value `x`\n"))
	}))
	defer ts.Close()

	_, err := (&HTTPClient{BaseURL: ts.URL}).Compile(context.Background(), "hello", []byte("tar"), "")
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if ce.Status != http.StatusInternalServerError || ce.BuildErrors != 2 || !ce.BuildFailed() {
		t.Fatalf("unexpected error: %+v", ce)
	}
}

func TestClient_CompileRequestErrorIsNotBuildFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "extract archive: unexpected EOF", http.StatusBadRequest)
	}))
	defer ts.Close()

	_, err := (&HTTPClient{BaseURL: ts.URL}).Compile(context.Background(), "hello", []byte("tar"), "")
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if ce.BuildFailed() {
		t.Fatalf("400 must not be a build failure")
	}
}

func TestClient_CompileVerifiesChecksum(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Rlib-File", "libx-1.rlib")
		w.Header().Set("X-Artifact-Sha256", "00")
		_, _ = w.Write([]byte("data"))
	}))
	defer ts.Close()

	if _, err := (&HTTPClient{BaseURL: ts.URL}).Compile(context.Background(), "x", []byte("tar"), ""); err == nil {
		t.Fatalf("expected checksum mismatch")
	}
}

func TestClient_CompileWithoutArtifactHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer ts.Close()

	if _, err := (&HTTPClient{BaseURL: ts.URL}).Compile(context.Background(), "x", []byte("tar"), ""); err == nil {
		t.Fatalf("expected missing header error")
	}
}

func TestClient_RejectsBadBaseURL(t *testing.T) {
	if _, err := (&HTTPClient{BaseURL: "not a url"}).Compile(context.Background(), "x", nil, ""); err == nil {
		t.Fatalf("expected url error")
	}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func tarNames(t *testing.T, r io.Reader) []string {
	t.Helper()
	tr := tar.NewReader(r)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}
