// Package httprange implements single-range HTTP semantics for fully
// materialized payloads. Browsers seek within audio by issuing
// "Range: bytes=<start>-<end>" requests; this package computes the
// partial-content status, headers, and byte slice for such requests.
// Multi-part ranges are not needed for audio seeking and are answered with
// the full content instead.
package httprange

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ErrUnsatisfiable is returned when the requested range starts beyond the
// end of the payload. Such requests must be rejected, not clamped, to avoid
// serving an empty or wrapped-around slice.
var ErrUnsatisfiable = errors.New("requested range not satisfiable")

// ByteRange is a resolved, inclusive byte range within a payload.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (br ByteRange) Length() int64 {
	return br.End - br.Start + 1
}

// ContentRange formats the Content-Range header value for a payload of the
// given total size.
func (br ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, size)
}

// Parse interprets a Range request header against a payload of the given
// size. It returns nil with no error when the full content should be served:
// absent or malformed headers, non-byte units, and multi-part ranges all
// fall back to the full payload. ErrUnsatisfiable is returned only when the
// range is syntactically valid but starts beyond the payload.
func Parse(header string, size int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil
	}

	// Multi-part ranges are out of scope for audio seeking.
	if strings.Contains(spec, ",") {
		return nil, nil
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil
	}

	// Suffix form "-N": the last N bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, nil
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return nil, ErrUnsatisfiable
		}
		return &ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	if start >= size {
		return nil, ErrUnsatisfiable
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		if end < start {
			return nil, ErrUnsatisfiable
		}
		if end > size-1 {
			end = size - 1
		}
	}

	return &ByteRange{Start: start, End: end}, nil
}

// Serve writes payload to w honoring any single-range request in r.
// It emits 200 with the full payload, 206 with the requested slice, or 416
// when the range is unsatisfiable. HEAD requests receive headers only.
func Serve(w http.ResponseWriter, r *http.Request, payload []byte, contentType string) {
	size := int64(len(payload))

	br, err := Parse(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)

	if br == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(payload)
		}
		return
	}

	w.Header().Set("Content-Range", br.ContentRange(size))
	w.Header().Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		_, _ = w.Write(payload[br.Start : br.End+1])
	}
}
