// Package metadb is a local bolt-backed ledger of completed conversions.
// It answers "what have we converted, when, and how often is it replayed"
// without a round trip to the object store, and feeds the stats endpoint.
// The ledger is advisory: losing it costs statistics, not correctness, so
// every pipeline call into it is best-effort.
package metadb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
)

var conversionsBucket = []byte("conversions")

// ErrNotFound is returned when no record exists for a cache key.
var ErrNotFound = errors.New("metadb: record not found")

// Record value framing. Small records are stored as plain JSON; records past
// compressThreshold are zstd-compressed. The first byte of every stored
// value names the encoding.
const (
	encodingJSON = 0x00
	encodingZstd = 0x01

	compressThreshold = 2 * 1024
)

// ConversionRecord describes one completed conversion of a recording.
type ConversionRecord struct {
	CacheKey     string    `json:"cache_key"`
	SourceKey    string    `json:"source_key"`
	SourceBytes  int64     `json:"source_bytes"`
	OutputBytes  int64     `json:"output_bytes"`
	ExitCode     int       `json:"exit_code"`
	TranscodeMS  int64     `json:"transcode_ms"`
	CreatedAt    time.Time `json:"created_at"`
	LastServedAt time.Time `json:"last_served_at"`
	ServeCount   int64     `json:"serve_count"`
}

// Stats summarizes the ledger.
type Stats struct {
	Conversions      int64 `json:"conversions"`
	TotalServes      int64 `json:"total_serves"`
	TotalOutputBytes int64 `json:"total_output_bytes"`
}

// DB is the conversion ledger.
type DB struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for the ledger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// Open opens (or creates) the ledger file at path.
func Open(path string, opts ...Option) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening metadb %s: %w", path, err)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversionsBucket)
		return err
	})
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("creating conversions bucket: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	d := &DB{
		db:     bdb,
		logger: slog.Default(),
		now:    time.Now,
		enc:    enc,
		dec:    dec,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close closes the ledger.
func (d *DB) Close() error {
	d.enc.Close()
	d.dec.Close()
	return d.db.Close()
}

// PutConversion records a completed conversion, overwriting any previous
// record for the same cache key.
func (d *DB) PutConversion(rec ConversionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.now().UTC()
	}

	value, err := d.encode(rec)
	if err != nil {
		return err
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversionsBucket).Put([]byte(rec.CacheKey), value)
	})
}

// GetConversion returns the record for a cache key, or ErrNotFound.
func (d *DB) GetConversion(cacheKey string) (ConversionRecord, error) {
	var rec ConversionRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(conversionsBucket).Get([]byte(cacheKey))
		if value == nil {
			return ErrNotFound
		}
		var err error
		rec, err = d.decode(value)
		return err
	})
	return rec, err
}

// TouchServed bumps the serve counter and timestamp for a cache key.
// Unknown keys are ignored: a cache hit may predate the ledger.
func (d *DB) TouchServed(cacheKey string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversionsBucket)
		value := b.Get([]byte(cacheKey))
		if value == nil {
			return nil
		}
		rec, err := d.decode(value)
		if err != nil {
			return err
		}
		rec.ServeCount++
		rec.LastServedAt = d.now().UTC()
		encoded, err := d.encode(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(cacheKey), encoded)
	})
}

// Stats walks the ledger and returns aggregate counters.
func (d *DB) Stats() (Stats, error) {
	var stats Stats
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversionsBucket).ForEach(func(_, value []byte) error {
			rec, err := d.decode(value)
			if err != nil {
				return err
			}
			stats.Conversions++
			stats.TotalServes += rec.ServeCount
			stats.TotalOutputBytes += rec.OutputBytes
			return nil
		})
	})
	return stats, err
}

func (d *DB) encode(rec ConversionRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding conversion record: %w", err)
	}
	if len(data) < compressThreshold {
		return append([]byte{encodingJSON}, data...), nil
	}
	return d.enc.EncodeAll(data, []byte{encodingZstd}), nil
}

func (d *DB) decode(value []byte) (ConversionRecord, error) {
	var rec ConversionRecord
	if len(value) == 0 {
		return rec, fmt.Errorf("empty conversion record")
	}

	payload := value[1:]
	switch value[0] {
	case encodingJSON:
	case encodingZstd:
		var err error
		payload, err = d.dec.DecodeAll(payload, nil)
		if err != nil {
			return rec, fmt.Errorf("decompressing conversion record: %w", err)
		}
	default:
		return rec, fmt.Errorf("unknown record encoding 0x%02x", value[0])
	}

	if err := json.Unmarshal(payload, &rec); err != nil {
		return rec, fmt.Errorf("decoding conversion record: %w", err)
	}
	return rec, nil
}
