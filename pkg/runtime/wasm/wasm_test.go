package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hyperion/pkg/runtime"
)

// exitModule is a minimal WASI command whose _start calls proc_exit(code).
func exitModule(code byte) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	// types: (i32)->() and ()->()
	mod = append(mod, 0x01, 0x08, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00)
	// import wasi_snapshot_preview1.proc_exit as func type 0
	imp := []byte{0x01, 0x16}
	imp = append(imp, "wasi_snapshot_preview1"...)
	imp = append(imp, 0x09)
	imp = append(imp, "proc_exit"...)
	imp = append(imp, 0x00, 0x00)
	mod = append(mod, 0x02, byte(len(imp)))
	mod = append(mod, imp...)
	// one local function of type 1
	mod = append(mod, 0x03, 0x02, 0x01, 0x01)
	// export it as _start
	mod = append(mod, 0x07, 0x0a, 0x01, 0x06)
	mod = append(mod, "_start"...)
	mod = append(mod, 0x00, 0x01)
	// body: i32.const code; call 0; end
	mod = append(mod, 0x0a, 0x08, 0x01, 0x06, 0x00, 0x41, code, 0x10, 0x00, 0x0b)
	return mod
}

func writeModule(t *testing.T, code byte) (string, string) {
	t.Helper()
	raw := exitModule(code)
	path := filepath.Join(t.TempDir(), "task.wasm")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	sum := sha256.Sum256(raw)
	return path, hex.EncodeToString(sum[:])
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := New(Options{MemoryLimitPages: 16}, zaptest.NewLogger(t))
	require.NoError(t, rt.Init(context.Background()))
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestExecuteSuccessfulModule(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	path, digest := writeModule(t, 0)

	art, err := rt.PrepareImage(ctx, path+"#sha256="+digest)
	require.NoError(t, err)
	assert.Equal(t, digest, art.Ref)

	res, err := rt.Execute(ctx, "task_000123", art, []string{"--steps", "4"})
	require.NoError(t, err)
	assert.Equal(t, "task_000123", res.TaskID)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, runtime.Digest("task_000123", 0, nil), res.Digest)

	require.NoError(t, rt.Cleanup(ctx, "task_000123"))
	require.NoError(t, rt.Cleanup(ctx, "task_000123"))
}

func TestExecuteNonZeroExit(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	path, _ := writeModule(t, 3)

	art, err := rt.PrepareImage(ctx, path)
	require.NoError(t, err)
	_, err = rt.Execute(ctx, "task_000124", art, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrExecution)
	assert.Contains(t, err.Error(), "status 3")
	require.NoError(t, rt.Cleanup(ctx, "task_000124"))
}

func TestPrepareImageRejectsDigestMismatch(t *testing.T) {
	rt := newRuntime(t)
	path, _ := writeModule(t, 0)
	_, err := rt.PrepareImage(context.Background(), path+"#sha256=deadbeef")
	assert.ErrorIs(t, err, runtime.ErrImageFetch)
}

func TestPrepareImageRejectsInvalidModule(t *testing.T) {
	rt := newRuntime(t)
	path := filepath.Join(t.TempDir(), "bad.wasm")
	require.NoError(t, os.WriteFile(path, []byte("not wasm"), 0o600))
	_, err := rt.PrepareImage(context.Background(), path)
	assert.ErrorIs(t, err, runtime.ErrImageFetch)

	_, err = rt.PrepareImage(context.Background(), filepath.Join(t.TempDir(), "missing.wasm"))
	assert.ErrorIs(t, err, runtime.ErrImageFetch)
}

func TestPrepareImageEnforcesSizeLimit(t *testing.T) {
	rt := New(Options{MemoryLimitPages: 16, MaxModuleSize: 16}, zaptest.NewLogger(t))
	require.NoError(t, rt.Init(context.Background()))
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	path, _ := writeModule(t, 0)
	for _, locator := range []string{path, "file://" + path} {
		_, err := rt.PrepareImage(context.Background(), locator)
		require.ErrorIs(t, err, runtime.ErrImageFetch, locator)
		assert.Contains(t, err.Error(), "exceeds 16 bytes")
	}
}

func TestPrepareImageOverHTTP(t *testing.T) {
	raw := exitModule(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task.wasm" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	rt := newRuntime(t)
	art, err := rt.PrepareImage(context.Background(), srv.URL+"/task.wasm")
	require.NoError(t, err)
	assert.NotEmpty(t, art.Ref)

	_, err = rt.PrepareImage(context.Background(), srv.URL+"/missing.wasm")
	assert.ErrorIs(t, err, runtime.ErrImageFetch)
}

func TestCallsBeforeInitAreUnavailable(t *testing.T) {
	rt := New(Options{}, zaptest.NewLogger(t))
	_, err := rt.PrepareImage(context.Background(), "x.wasm")
	assert.ErrorIs(t, err, runtime.ErrRuntimeUnavailable)
}

func TestExecuteUnpreparedModule(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.Execute(context.Background(), "task_1", runtime.Artifact{Locator: "x", Ref: "nope"}, nil)
	assert.ErrorIs(t, err, runtime.ErrExecution)
	require.NoError(t, rt.Cleanup(context.Background(), "task_1"))
}

func TestSplitPin(t *testing.T) {
	src, pin := splitPin("https://example.com/m.wasm#sha256=abc")
	assert.Equal(t, "https://example.com/m.wasm", src)
	assert.Equal(t, "abc", pin)

	src, pin = splitPin("/opt/m.wasm")
	assert.Equal(t, "/opt/m.wasm", src)
	assert.Empty(t, pin)
}
