package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telvox/recording-cache/backend"
	"github.com/telvox/recording-cache/gate"
)

// memBackend is an in-memory backend with injectable failures.
type memBackend struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPut  bool
	failRead error
	blockOps bool // ops block until the operation context expires
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte)}
}

func (m *memBackend) Write(ctx context.Context, key string, r io.Reader) error {
	if m.blockOps {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.failPut {
		return errors.New("injected write failure")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if m.blockOps {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.failRead != nil {
		return nil, m.failRead
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBackend) Exists(ctx context.Context, key string) (bool, error) {
	if m.blockOps {
		<-ctx.Done()
		return false, ctx.Err()
	}
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

func TestClientPutGetRoundTrip(t *testing.T) {
	g := gate.New("store", 2)
	c := New(newMemBackend(), g)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "converted/ab/key", strings.NewReader("payload")))

	data, err := c.GetBytes(ctx, "converted/ab/key")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	require.Equal(t, 0, g.InUse())
}

func TestClientGetNotFound(t *testing.T) {
	g := gate.New("store", 1)
	c := New(newMemBackend(), g)

	_, err := c.Get(context.Background(), "missing")
	require.ErrorIs(t, err, backend.ErrNotFound)
	require.Equal(t, 0, g.InUse())
}

func TestClientExists(t *testing.T) {
	b := newMemBackend()
	b.objects["k"] = []byte("x")
	g := gate.New("store", 1)
	c := New(b, g)

	exists, err := c.Exists(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = c.Exists(context.Background(), "other")
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, 0, g.InUse())
}

func TestClientGetHoldsGateUntilClose(t *testing.T) {
	b := newMemBackend()
	b.objects["k"] = []byte("payload")
	g := gate.New("store", 1)
	c := New(b, g)

	rc, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, 1, g.InUse())

	_, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, 1, g.InUse())

	require.NoError(t, rc.Close())
	require.Equal(t, 0, g.InUse())

	// Double close is harmless.
	require.NoError(t, rc.Close())
	require.Equal(t, 0, g.InUse())
}

func TestClientOpTimeout(t *testing.T) {
	b := newMemBackend()
	b.blockOps = true
	g := gate.New("store", 1)
	c := New(b, g, WithOpTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := c.Exists(context.Background(), "k")
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 0, g.InUse())

	err = c.Put(context.Background(), "k", strings.NewReader("x"))
	require.Error(t, err)
	require.Equal(t, 0, g.InUse())
}

func TestClientPutFailureReleasesGate(t *testing.T) {
	b := newMemBackend()
	b.failPut = true
	g := gate.New("store", 1)
	c := New(b, g)

	err := c.Put(context.Background(), "k", strings.NewReader("x"))
	require.Error(t, err)
	require.Equal(t, 0, g.InUse())
}

func TestClientTransientReadErrorIsNotNotFound(t *testing.T) {
	b := newMemBackend()
	b.failRead = errors.New("connection reset")
	g := gate.New("store", 1)
	c := New(b, g)

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	require.NotErrorIs(t, err, backend.ErrNotFound)
	require.Equal(t, 0, g.InUse())
}

func TestClientDelete(t *testing.T) {
	b := newMemBackend()
	b.objects["k"] = []byte("payload")
	g := gate.New("store", 1)
	c := New(b, g)
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, "k"))
	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, backend.ErrNotFound)

	// Deleting an absent key is a no-op.
	require.NoError(t, c.Delete(ctx, "k"))
	require.Equal(t, 0, g.InUse())
}

func TestClientSize(t *testing.T) {
	b := newMemBackend()
	b.objects["k"] = []byte("12345")
	c := New(b, gate.New("store", 1))

	size, err := c.Size(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	_, err = c.Size(context.Background(), "missing")
	require.ErrorIs(t, err, backend.ErrNotFound)
}
