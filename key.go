// Package recordingcache derives the storage keys used by the playback
// cache. A logical recording key (the caller-facing path of a recording)
// maps deterministically to the key of its converted-audio artifact and to
// the key of its waveform sibling.
package recordingcache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// KeySize is the size of a derived cache key in bytes (256-bit BLAKE3).
const KeySize = 32

// Namespace prefixes mixed into the digest. Bumping a version segment
// invalidates every previously derived key of that kind.
const (
	audioNamespace    = "converted-audio/v1\x00"
	waveformNamespace = "waveform/v1\x00"
)

// CacheKey is the deterministic digest identifying a derived artifact in the
// object store. Identical logical keys always produce identical cache keys;
// there is no per-process salt and no time component.
type CacheKey [KeySize]byte

// DeriveAudioKey returns the cache key for the converted-audio artifact of
// the given logical recording key.
func DeriveAudioKey(logicalKey string) CacheKey {
	return derive(audioNamespace, logicalKey)
}

// DeriveWaveformKey returns the cache key for the waveform artifact of the
// given logical recording key. The waveform pipeline itself lives elsewhere;
// the derivation is kept here so both pipelines agree on naming.
func DeriveWaveformKey(logicalKey string) CacheKey {
	return derive(waveformNamespace, logicalKey)
}

func derive(namespace, logicalKey string) CacheKey {
	h := blake3.New()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte(logicalKey))
	var k CacheKey
	h.Sum(k[:0])
	return k
}

// String returns the hex-encoded representation of the key.
func (k CacheKey) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for logging.
func (k CacheKey) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k CacheKey) IsZero() bool {
	return k == CacheKey{}
}

// ObjectKey returns the object-store key for this cache key under the given
// prefix. Format: {prefix}/{first-byte-hex}/{full-hex}, sharding objects
// into 256 subdirectories.
func (k CacheKey) ObjectKey(prefix string) string {
	h := k.String()
	return fmt.Sprintf("%s/%s/%s", prefix, h[:2], h)
}

// MarshalText implements encoding.TextMarshaler.
func (k CacheKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CacheKey) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("invalid cache key length: expected %d hex chars, got %d", KeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// ParseCacheKey parses a hex-encoded cache key string.
func ParseCacheKey(s string) (CacheKey, error) {
	var k CacheKey
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return CacheKey{}, err
	}
	return k, nil
}
