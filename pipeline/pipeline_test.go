package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telvox/recording-cache/backend"
	"github.com/telvox/recording-cache/gate"
	"github.com/telvox/recording-cache/store"
	"github.com/telvox/recording-cache/transcode"
)

// memBackend is an in-memory backend with injectable failures.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte)}
}

func (m *memBackend) Write(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("injected write failure")
	}
	m.objects[key] = data
	return nil
}

func (m *memBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBackend) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memBackend) Size(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return 0, backend.ErrNotFound
	}
	return int64(len(data)), nil
}

func (m *memBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBackend) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// fakeConverter writes a fixed payload to the destination path.
type fakeConverter struct {
	mu     sync.Mutex
	calls  int
	output []byte
	err    error
	hook   func() // runs inside Convert, for observing in-flight state
}

func (f *fakeConverter) Convert(ctx context.Context, source io.Reader, dstPath string) (*transcode.Result, error) {
	if _, err := io.Copy(io.Discard, source); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	out, convErr, hook := f.output, f.err, f.hook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if convErr != nil {
		return nil, convErr
	}
	if err := os.WriteFile(dstPath, out, 0o644); err != nil {
		return nil, err
	}
	return &transcode.Result{
		OutputBytes: int64(len(out)),
		Duration:    5 * time.Millisecond,
	}, nil
}

func (f *fakeConverter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	pipeline   *Pipeline
	backend    *memBackend
	converter  *fakeConverter
	storeGate  *gate.Gate
	scratchDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	b := newMemBackend()
	b.objects["recordings/call-1.gsm"] = []byte("gsm source frames")

	g := gate.New("store", 4)
	scratch := t.TempDir()
	conv := &fakeConverter{output: bytes.Repeat([]byte{0x52}, 2000)}
	p := New(store.New(b, g), conv, scratch)

	return &testEnv{
		pipeline:   p,
		backend:    b,
		converter:  conv,
		storeGate:  g,
		scratchDir: scratch,
	}
}

func (e *testEnv) serve(t *testing.T, logicalKey string, force bool, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/recordings/"+logicalKey, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.pipeline.ServePlayback(rec, req, logicalKey, force)
	return rec
}

func TestMissConvertsThenHitServesFromCache(t *testing.T) {
	env := newTestEnv(t)

	rec := env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, env.converter.output, rec.Body.Bytes())
	require.Equal(t, 1, env.converter.callCount())

	rec = env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, env.converter.output, rec.Body.Bytes())
	require.Equal(t, 1, env.converter.callCount(), "hit must not reconvert")
}

func TestForceRegenerateBypassesCache(t *testing.T) {
	env := newTestEnv(t)

	env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, 1, env.converter.callCount())

	rec := env.serve(t, "call-1.gsm", true, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, env.converter.callCount())
}

func TestCacheWriteFailureStillServes(t *testing.T) {
	env := newTestEnv(t)
	env.backend.failPut = true

	rec := env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, env.converter.output, rec.Body.Bytes())

	// Nothing was persisted, so the next request converts again.
	env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, 2, env.converter.callCount())
}

func TestMissingSourceIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.serve(t, "no-such-call.gsm", false, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, 0, env.converter.callCount())
}

func TestGarbageConversionFails(t *testing.T) {
	env := newTestEnv(t)
	env.converter.err = &transcode.Error{ExitCode: 1, OutputBytes: 12, Stderr: "invalid data"}

	rec := env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestVanishedCacheObjectRegenerates(t *testing.T) {
	env := newTestEnv(t)

	env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, 1, env.converter.callCount())

	// Simulate store-side expiry after the memo recorded existence.
	for key := range env.backend.objects {
		if key != "recordings/call-1.gsm" {
			env.backend.remove(key)
		}
	}

	rec := env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, env.converter.callCount())
}

func TestRangeRequestOnCachedAudio(t *testing.T) {
	env := newTestEnv(t)
	env.serve(t, "call-1.gsm", false, nil)

	h := http.Header{}
	h.Set("Range", "bytes=100-299")
	rec := env.serve(t, "call-1.gsm", false, h)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 100-299/2000", rec.Header().Get("Content-Range"))
	require.Equal(t, env.converter.output[100:300], rec.Body.Bytes())
}

func TestResourcesReleasedOnAllPaths(t *testing.T) {
	env := newTestEnv(t)

	env.serve(t, "call-1.gsm", false, nil)        // miss
	env.serve(t, "call-1.gsm", false, nil)        // hit
	env.serve(t, "no-such-call.gsm", false, nil)  // source missing
	env.backend.failPut = true
	env.serve(t, "call-1.gsm", true, nil)         // degraded persist

	require.Equal(t, 0, env.storeGate.InUse())

	entries, err := os.ReadDir(env.scratchDir)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch files must be removed on every path")
}

func TestScratchCleanupAfterGarbageConversion(t *testing.T) {
	env := newTestEnv(t)
	env.converter.err = &transcode.Error{ExitCode: 1, OutputBytes: 0}

	env.serve(t, "call-1.gsm", false, nil)

	entries, err := os.ReadDir(env.scratchDir)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, 0, env.storeGate.InUse())
}

func TestStoreSlotFreeDuringConversion(t *testing.T) {
	env := newTestEnv(t)

	// The source must be fully materialized and its store slot returned
	// before the converter runs; holding a store connection across a
	// queued ffmpeg run would couple the two gates.
	storeInUse := -1
	env.converter.hook = func() {
		storeInUse = env.storeGate.InUse()
	}

	rec := env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, storeInUse)
}

// blockingConverter parks inside Convert until the request context is
// cancelled, after leaving a partial file at the destination.
type blockingConverter struct {
	started chan struct{}
}

func (b *blockingConverter) Convert(ctx context.Context, source io.Reader, dstPath string) (*transcode.Result, error) {
	if _, err := io.Copy(io.Discard, source); err != nil {
		return nil, err
	}
	if err := os.WriteFile(dstPath, []byte("partial output"), 0o644); err != nil {
		return nil, err
	}
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDisconnectMidConversionCleansUp(t *testing.T) {
	b := newMemBackend()
	b.objects["recordings/call-1.gsm"] = []byte("gsm source frames")
	g := gate.New("store", 4)
	scratch := t.TempDir()
	conv := &blockingConverter{started: make(chan struct{})}
	p := New(store.New(b, g), conv, scratch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/recordings/call-1.gsm", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		p.ServePlayback(rec, req, "call-1.gsm", false)
		close(done)
	}()

	<-conv.started
	cancel()
	<-done

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, 0, g.InUse())

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	require.Empty(t, entries, "partial scratch output must be removed")
}

func TestInvalidateForcesReconversion(t *testing.T) {
	env := newTestEnv(t)

	env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, 1, env.converter.callCount())

	freed, err := env.pipeline.Invalidate(context.Background(), "call-1.gsm")
	require.NoError(t, err)
	require.Equal(t, int64(2000), freed)

	env.serve(t, "call-1.gsm", false, nil)
	require.Equal(t, 2, env.converter.callCount(), "invalidation must force a fresh conversion")
	require.Equal(t, 0, env.storeGate.InUse())
}

func TestInvalidateUncachedKey(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.pipeline.Invalidate(context.Background(), "call-1.gsm")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestCancelledRequestAborts(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/recordings/call-1.gsm", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.pipeline.ServePlayback(rec, req, "call-1.gsm", false)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, 0, env.storeGate.InUse())
	require.Equal(t, 0, env.converter.callCount())
}
