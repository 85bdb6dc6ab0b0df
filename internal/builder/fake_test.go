package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeBuilder_LibraryProducesRlib(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{
		"Cargo.toml": "[package]\nname = \"hello-lib\"\nversion = \"0.1.0\"\n",
		"src/lib.rs": "pub fn hello() {}\n",
	})

	res, err := (&FakeBuilder{}).Build(context.Background(), Job{WorkspaceDir: ws, Target: "hello-lib"})
	require.NoError(t, err)
	require.True(t, res.Succeeded)

	matches, err := filepath.Glob(filepath.Join(ws, "target", "debug", "deps", "libhello_lib-*.rlib"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFakeBuilder_BinaryProducesExecutable(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{
		"Cargo.toml":  "[package]\nname = \"hello\"\n",
		"src/main.rs": "fn main() {}\n",
	})

	res, err := (&FakeBuilder{}).Build(context.Background(), Job{WorkspaceDir: ws, Target: "hello"})
	require.NoError(t, err)
	require.True(t, res.Succeeded)

	fi, err := os.Stat(filepath.Join(ws, "target", "debug", "hello"))
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
}

func TestFakeBuilder_WorkspaceMember(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{
		"Cargo.toml":             "[workspace]\nmembers = [\"crates/*\"]\n",
		"crates/core/Cargo.toml": "[package]\nname = \"core-lib\"\n",
		"crates/core/src/lib.rs": "",
	})

	res, err := (&FakeBuilder{}).Build(context.Background(), Job{WorkspaceDir: ws, Target: "core-lib"})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
}

func TestFakeBuilder_UnknownPackageFailsLikeCargo(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{
		"Cargo.toml": "[package]\nname = \"hello\"\n",
		"src/lib.rs": "",
	})

	res, err := (&FakeBuilder{}).Build(context.Background(), Job{WorkspaceDir: ws, Target: "nonexistent"})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, 101, res.ExitCode)
	assert.Contains(t, res.Stderr, "did not match any packages")
}

func TestFakeBuilder_DeterministicOutput(t *testing.T) {
	files := map[string]string{
		"Cargo.toml": "[package]\nname = \"same\"\n",
		"src/lib.rs": "",
	}
	read := func() []byte {
		ws := t.TempDir()
		writeTree(t, ws, files)
		_, err := (&FakeBuilder{}).Build(context.Background(), Job{WorkspaceDir: ws, Target: "same"})
		require.NoError(t, err)
		matches, err := filepath.Glob(filepath.Join(ws, "target", "debug", "deps", "libsame-*.rlib"))
		require.NoError(t, err)
		require.Len(t, matches, 1)
		raw, err := os.ReadFile(matches[0])
		require.NoError(t, err)
		return raw
	}
	assert.Equal(t, read(), read())
}

func TestFakeBuilder_ForcedFailureAndLaunchError(t *testing.T) {
	ws := t.TempDir()
	fb := &FakeBuilder{FailTargets: map[string]string{"broken": "error[E0425]: cannot find value `x`\n"}}
	res, err := fb.Build(context.Background(), Job{WorkspaceDir: ws, Target: "broken"})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Contains(t, res.Stderr, "E0425")

	fb = &FakeBuilder{LaunchErr: errors.New("permission denied")}
	_, err = fb.Build(context.Background(), Job{WorkspaceDir: ws, Target: "x"})
	assert.ErrorIs(t, err, ErrLaunch)
}

func TestFakeBuilder_RejectsManifestTargetOutsidePackage(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{
		"Cargo.toml": "[package]\nname = \"escape\"\nversion = \"0.1.0\"\n\n[lib]\npath = \"../outside.rs\"\n",
	})

	res, err := (&FakeBuilder{}).Build(context.Background(), Job{WorkspaceDir: ws, Target: "escape"})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, 101, res.ExitCode)
	assert.Contains(t, res.Stderr, "failed to parse manifest")

	_, statErr := os.Stat(filepath.Join(ws, "target"))
	assert.True(t, os.IsNotExist(statErr), "nothing should be written for an invalid manifest")
}

func TestFakeBuilder_ReportsOutputRoot(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{
		"Cargo.toml":  "[package]\nname = \"hello\"\nversion = \"0.1.0\"\n",
		"src/main.rs": "fn main() {}\n",
	})

	res, err := (&FakeBuilder{}).Build(context.Background(), Job{WorkspaceDir: ws, Target: "hello"})
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	assert.Equal(t, ProfileDir(ws), res.OutputRoot)
}

func TestFakeBuilder_BlockHonoursDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := (&FakeBuilder{BlockCh: block}).Build(ctx, Job{WorkspaceDir: t.TempDir(), Target: "x"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}
