// Package transcode runs ffmpeg subprocesses that convert proprietary call
// recordings into standard telephony WAV. The source is streamed over the
// subprocess's stdin and the output written to a scratch file, so nothing is
// buffered in this process beyond ffmpeg's own working set.
//
// Call recordings are frequently truncated or mildly corrupted, so ffmpeg is
// run in a lenient mode and a non-zero exit is not by itself a failure: if
// the output file is plausibly sized the conversion is accepted. Only an
// implausibly small output is treated as garbage.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/telvox/recording-cache/gate"
	"github.com/telvox/recording-cache/telemetry"
)

const (
	// DefaultBinary is the ffmpeg executable resolved via PATH.
	DefaultBinary = "ffmpeg"

	// DefaultMinOutputBytes is the smallest output accepted as a real
	// conversion. A WAV header alone is 44 bytes; anything under 1 KiB
	// carries no usable audio and indicates ffmpeg produced garbage.
	DefaultMinOutputBytes = 1024

	// DefaultSampleRate and DefaultChannels match telephony recordings:
	// 8 kHz mono.
	DefaultSampleRate = 8000
	DefaultChannels   = 1

	// stderrTailLimit caps how much ffmpeg stderr is retained for error
	// reports and logs.
	stderrTailLimit = 4 * 1024
)

// Error reports a conversion whose output cannot be served. It is the only
// conversion failure the pipeline treats as fatal.
type Error struct {
	ExitCode    int
	OutputBytes int64
	Stderr      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcode produced %d bytes (exit %d): %s", e.OutputBytes, e.ExitCode, e.Stderr)
}

// Result describes an accepted conversion.
type Result struct {
	OutputBytes int64
	ExitCode    int
	Duration    time.Duration
	StderrTail  string
}

// Worker converts recordings by spawning ffmpeg, one subprocess per call,
// admission-controlled by a gate so a burst of cache misses cannot fork
// an unbounded number of encoders.
type Worker struct {
	binary         string
	gate           *gate.Gate
	minOutputBytes int64
	sampleRate     int
	channels       int
	logger         *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithBinary overrides the ffmpeg executable path.
func WithBinary(path string) Option {
	return func(w *Worker) {
		if path != "" {
			w.binary = path
		}
	}
}

// WithMinOutputBytes sets the threshold below which a conversion's output is
// classified as garbage.
func WithMinOutputBytes(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.minOutputBytes = n
		}
	}
}

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(hz int) Option {
	return func(w *Worker) {
		if hz > 0 {
			w.sampleRate = hz
		}
	}
}

// WithChannels sets the output channel count.
func WithChannels(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.channels = n
		}
	}
}

// WithLogger sets the logger for the worker.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// New creates a Worker whose subprocesses are admission-controlled by g.
func New(g *gate.Gate, opts ...Option) *Worker {
	w := &Worker{
		binary:         DefaultBinary,
		gate:           g,
		minOutputBytes: DefaultMinOutputBytes,
		sampleRate:     DefaultSampleRate,
		channels:       DefaultChannels,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Gate returns the admission gate for transcode subprocesses.
func (w *Worker) Gate() *gate.Gate {
	return w.gate
}

// args builds the ffmpeg argument list for a conversion writing to dstPath.
// Error detection is relaxed and corrupt packets discarded so that damaged
// recordings still yield the playable portion of their audio.
func (w *Worker) args(dstPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-err_detect", "ignore_err",
		"-fflags", "+discardcorrupt",
		"-i", "pipe:0",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(w.sampleRate),
		"-ac", strconv.Itoa(w.channels),
		"-f", "wav",
		"-y",
		dstPath,
	}
}

// classify decides whether a finished conversion is servable. ffmpeg exits
// non-zero on any decode error even when it has written hours of good audio
// first, so the output size is the deciding signal, not the exit code.
func (w *Worker) classify(exitCode int, outputBytes int64, stderrTail string) error {
	if outputBytes >= w.minOutputBytes {
		return nil
	}
	return &Error{
		ExitCode:    exitCode,
		OutputBytes: outputBytes,
		Stderr:      stderrTail,
	}
}

// Convert runs ffmpeg with source on stdin, writing the converted WAV to
// dstPath. The gate slot is held only for the lifetime of the subprocess.
// Cancelling ctx kills the subprocess; dstPath may then hold a partial file,
// which the caller's scratch cleanup removes.
func (w *Worker) Convert(ctx context.Context, source io.Reader, dstPath string) (*Result, error) {
	tok, err := w.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer tok.Release()

	var stderr tailBuffer
	cmd := exec.CommandContext(ctx, w.binary, w.args(dstPath)...)
	cmd.Stdin = source
	cmd.Stderr = &stderr
	// Give ffmpeg a moment to flush and exit cleanly on cancellation
	// before the process group is killed.
	cmd.WaitDelay = 3 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	tok.Release()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("transcode to %s: %w", dstPath, ctx.Err())
	}

	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			// The binary could not be started at all.
			return nil, fmt.Errorf("running %s: %w", w.binary, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	outputBytes := int64(0)
	if fi, statErr := os.Stat(dstPath); statErr == nil {
		outputBytes = fi.Size()
	}

	outcome := "success"
	cerr := w.classify(exitCode, outputBytes, stderr.String())
	if cerr != nil {
		outcome = "garbage"
	} else if exitCode != 0 {
		outcome = "salvaged"
		w.logger.Warn("transcode exited non-zero but output accepted",
			slog.Int("exit_code", exitCode),
			slog.Int64("output_bytes", outputBytes),
			slog.String("stderr", stderr.String()))
	}
	telemetry.RecordTranscode(ctx, outcome, elapsed, outputBytes)

	if cerr != nil {
		return nil, cerr
	}

	return &Result{
		OutputBytes: outputBytes,
		ExitCode:    exitCode,
		Duration:    elapsed,
		StderrTail:  stderr.String(),
	}, nil
}

// tailBuffer retains only the last stderrTailLimit bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= stderrTailLimit {
		t.buf.Reset()
		p = p[n-stderrTailLimit:]
	} else if t.buf.Len()+n > stderrTailLimit {
		trimmed := t.buf.Bytes()[t.buf.Len()+n-stderrTailLimit:]
		rest := make([]byte, len(trimmed))
		copy(rest, trimmed)
		t.buf.Reset()
		t.buf.Write(rest)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
