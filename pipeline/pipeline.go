// Package pipeline orchestrates playback of converted call recordings:
// check the converted-audio cache, fall back to fetching the original and
// converting it, persist the result for the next listener, then serve the
// bytes with range support.
//
// The pipeline degrades rather than fails: a cache object that disappears
// between probe and read is regenerated, and a failed cache write still
// serves the freshly converted audio. Only two conditions abort a request
// with an error status: the original recording does not exist, or the
// conversion produced unservable output.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	recordingcache "github.com/telvox/recording-cache"
	"github.com/telvox/recording-cache/backend"
	"github.com/telvox/recording-cache/httprange"
	"github.com/telvox/recording-cache/memo"
	"github.com/telvox/recording-cache/store"
	"github.com/telvox/recording-cache/store/metadb"
	"github.com/telvox/recording-cache/telemetry"
	"github.com/telvox/recording-cache/transcode"
)

// Object store key prefixes. Originals are uploaded by the recorder under
// sourcePrefix using their logical key; converted artifacts live under
// convertedPrefix keyed by digest.
const (
	sourcePrefix    = "recordings"
	convertedPrefix = "converted"
)

const audioContentType = "audio/wav"

// Converter produces a converted WAV file at dstPath from the source stream.
type Converter interface {
	Convert(ctx context.Context, source io.Reader, dstPath string) (*transcode.Result, error)
}

// Pipeline serves playback requests for call recordings.
type Pipeline struct {
	store      *store.Client
	converter  Converter
	scratchDir string
	memo       *memo.Memo
	meta       *metadb.DB
	probe      singleflight.Group
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMemo sets the existence memo. The default is a memo with the standard
// TTL.
func WithMemo(m *memo.Memo) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.memo = m
		}
	}
}

// WithMetaDB attaches the conversion ledger. The pipeline works without one;
// all ledger writes are best-effort.
func WithMetaDB(db *metadb.DB) Option {
	return func(p *Pipeline) {
		p.meta = db
	}
}

// WithLogger sets the logger for the pipeline.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a Pipeline. scratchDir must exist and be writable; converted
// audio is staged there before being persisted and served.
func New(client *store.Client, converter Converter, scratchDir string, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      client,
		converter:  converter,
		scratchDir: scratchDir,
		memo:       memo.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ServePlayback handles one playback request for logicalKey. When force is
// set the cache check is skipped and the recording is reconverted
// unconditionally. The request context governs every store operation and the
// conversion subprocess, so a disconnected client tears the whole attempt
// down.
func (p *Pipeline) ServePlayback(w http.ResponseWriter, r *http.Request, logicalKey string, force bool) {
	ctx := r.Context()

	data, result, err := p.payload(ctx, logicalKey, force)
	telemetry.SetCacheResult(r, result)
	if err != nil {
		status := statusForError(err)
		p.logger.Error("playback failed",
			slog.String("logical_key", logicalKey),
			slog.Int("status", status),
			slog.Any("error", err))
		http.Error(w, http.StatusText(status), status)
		return
	}

	httprange.Serve(w, r, data, audioContentType)
}

// payload returns the converted audio for logicalKey, from cache when
// possible.
func (p *Pipeline) payload(ctx context.Context, logicalKey string, force bool) ([]byte, telemetry.CacheResult, error) {
	key := recordingcache.DeriveAudioKey(logicalKey)
	objKey := key.ObjectKey(convertedPrefix)

	if !force {
		if data, ok := p.tryCached(ctx, objKey); ok {
			if p.meta != nil {
				if err := p.meta.TouchServed(key.String()); err != nil {
					p.logger.Warn("ledger touch failed", slog.Any("error", err))
				}
			}
			return data, telemetry.CacheHit, nil
		}
	}

	data, err := p.regenerate(ctx, logicalKey, key, objKey)
	if err != nil {
		return nil, telemetry.CacheNA, err
	}

	result := telemetry.CacheMiss
	if force {
		result = telemetry.CacheBypass
	}
	return data, result, nil
}

// tryCached attempts to serve objKey from the converted-audio cache. Any
// failure short of success reports a miss; the caller regenerates.
func (p *Pipeline) tryCached(ctx context.Context, objKey string) ([]byte, bool) {
	exists, known := p.memo.Get(objKey)
	if known && !exists {
		return nil, false
	}

	if !known {
		// Concurrent requests for the same recording share one probe.
		v, err, _ := p.probe.Do(objKey, func() (any, error) {
			return p.store.Exists(ctx, objKey)
		})
		if err != nil {
			// Unknown verdict counts as a miss: regenerating is always
			// safe, failing the request is not. Nothing is memoized.
			p.logger.Warn("existence probe failed, treating as miss", slog.String("key", objKey), slog.Any("error", err))
			return nil, false
		}
		exists = v.(bool)
		p.memo.Set(objKey, exists)
		if !exists {
			return nil, false
		}
	}

	data, err := p.store.GetBytes(ctx, objKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			// The object vanished between probe and read, likely an
			// expiry race. Regenerate.
			p.memo.Set(objKey, false)
		} else {
			p.logger.Warn("cache read failed, regenerating", slog.String("key", objKey), slog.Any("error", err))
		}
		return nil, false
	}

	p.memo.Set(objKey, true)
	return data, true
}

// regenerate fetches the original recording, converts it, persists the
// result best-effort, and returns the converted bytes.
//
// The source is fully materialized inside the gated fetch so that the store
// slot is back in the pool before the transcode gate is acquired: a request
// queued behind a saturated transcode gate must not pin a store connection
// for the duration of someone else's ffmpeg run. The two gates are never
// held at the same time.
func (p *Pipeline) regenerate(ctx context.Context, logicalKey string, key recordingcache.CacheKey, objKey string) ([]byte, error) {
	sourceKey := sourcePrefix + "/" + logicalKey

	srcData, err := p.store.GetBytes(ctx, sourceKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("source recording %s: %w", logicalKey, err)
		}
		return nil, fmt.Errorf("fetching source %s: %w", logicalKey, err)
	}

	// The scratch path is deterministic per cache key. Concurrent
	// conversions of the same recording write the same bytes, so a
	// last-writer-wins overwrite is harmless.
	scratch := filepath.Join(p.scratchDir, key.String()+".wav")
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("scratch cleanup failed", slog.String("path", scratch), slog.Any("error", err))
		}
	}()

	result, err := p.converter.Convert(ctx, bytes.NewReader(srcData), scratch)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(scratch)
	if err != nil {
		return nil, fmt.Errorf("reading converted audio: %w", err)
	}

	p.persist(ctx, key, objKey, sourceKey, int64(len(srcData)), result, data)

	return data, nil
}

// Invalidate removes the cached conversion for logicalKey, forcing the next
// playback to reconvert from the source. Returns the size of the removed
// artifact, or backend.ErrNotFound when nothing was cached.
func (p *Pipeline) Invalidate(ctx context.Context, logicalKey string) (int64, error) {
	key := recordingcache.DeriveAudioKey(logicalKey)
	objKey := key.ObjectKey(convertedPrefix)

	size, err := p.store.Size(ctx, objKey)
	if err != nil {
		return 0, err
	}
	if err := p.store.Delete(ctx, objKey); err != nil {
		return 0, err
	}
	p.memo.Set(objKey, false)

	p.logger.Info("cached conversion invalidated",
		slog.String("logical_key", logicalKey),
		slog.String("key", key.ShortString()),
		slog.Int64("bytes_freed", size))
	return size, nil
}

// persist writes the converted audio back to the store and records the
// conversion. Both are best-effort: the caller already holds the bytes.
func (p *Pipeline) persist(ctx context.Context, key recordingcache.CacheKey, objKey, sourceKey string, sourceBytes int64, result *transcode.Result, data []byte) {
	if err := p.store.Put(ctx, objKey, bytes.NewReader(data)); err != nil {
		p.logger.Warn("cache write failed, serving unpersisted result",
			slog.String("key", objKey),
			slog.Any("error", err))
		return
	}

	p.memo.Set(objKey, true)

	if p.meta == nil {
		return
	}
	rec := metadb.ConversionRecord{
		CacheKey:    key.String(),
		SourceKey:   sourceKey,
		SourceBytes: sourceBytes,
		OutputBytes: result.OutputBytes,
		ExitCode:    result.ExitCode,
		TranscodeMS: result.Duration.Milliseconds(),
	}
	if err := p.meta.PutConversion(rec); err != nil {
		p.logger.Warn("ledger write failed", slog.Any("error", err))
	}
}

// statusForError maps pipeline failures to HTTP statuses. A missing original
// is the caller's error; garbage conversion output is ours; everything else
// is an upstream store problem.
func statusForError(err error) int {
	var terr *transcode.Error
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &terr):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
