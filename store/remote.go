// Package store provides the client used by the playback pipeline to talk
// to the recording object store. Every operation passes through the store
// admission gate and carries a bounded timeout, so a burst of playback
// requests cannot exhaust store connections and a single slow round trip
// cannot pin a gate slot indefinitely.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/telvox/recording-cache/backend"
	"github.com/telvox/recording-cache/gate"
)

// DefaultOpTimeout bounds a single store round trip.
const DefaultOpTimeout = 15 * time.Second

// Client wraps a backend with gating and per-operation timeouts.
type Client struct {
	backend   backend.Backend
	gate      *gate.Gate
	opTimeout time.Duration
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithOpTimeout sets the per-operation timeout.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a store client. All operations are admission-controlled by g.
func New(b backend.Backend, g *gate.Gate, opts ...Option) *Client {
	c := &Client{
		backend:   b,
		gate:      g,
		opTimeout: DefaultOpTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gate returns the admission gate the client acquires for each operation.
func (c *Client) Gate() *gate.Gate {
	return c.gate
}

// Exists probes whether key exists. Callers treat an error as a miss and
// fall through to regeneration rather than failing the request.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	tok, err := c.gate.Acquire(opCtx)
	if err != nil {
		return false, fmt.Errorf("existence probe for %s: %w", key, err)
	}
	defer tok.Release()

	return c.backend.Exists(opCtx, key)
}

// Get retrieves the object at key as a stream. The gate slot and the
// operation timeout are held until the returned ReadCloser is closed, so
// callers must close it on every path. Returns backend.ErrNotFound when the
// key does not exist, distinct from transient errors.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)

	tok, err := c.gate.Acquire(opCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	rc, err := c.backend.Read(opCtx, key)
	if err != nil {
		tok.Release()
		cancel()
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	return &gatedReadCloser{rc: rc, tok: tok, cancel: cancel}, nil
}

// GetBytes retrieves and fully materializes the object at key.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	rc, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// Put writes (or overwrites) the object at key. Callers treat failure as
// non-fatal: the converted bytes have already been produced and can still
// be served, only the cache write is lost.
func (c *Client) Put(ctx context.Context, key string, r io.Reader) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	tok, err := c.gate.Acquire(opCtx)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer tok.Release()

	if err := c.backend.Write(opCtx, key, r); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes the object at key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	tok, err := c.gate.Acquire(opCtx)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	defer tok.Release()

	if err := c.backend.Delete(opCtx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Size returns the size of the object at key.
func (c *Client) Size(ctx context.Context, key string) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	tok, err := c.gate.Acquire(opCtx)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", key, err)
	}
	defer tok.Release()

	return c.backend.Size(opCtx, key)
}

// gatedReadCloser ties the lifetime of a gate token and the operation
// timeout to the stream handed to the caller.
type gatedReadCloser struct {
	rc     io.ReadCloser
	tok    *gate.Token
	cancel context.CancelFunc
	closed bool
}

func (g *gatedReadCloser) Read(p []byte) (int, error) {
	return g.rc.Read(p)
}

func (g *gatedReadCloser) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	err := g.rc.Close()
	g.tok.Release()
	g.cancel()
	return err
}
