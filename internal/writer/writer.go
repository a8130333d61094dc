// Package writer implements a sieve.PrimeSink that serializes primes to a
// file, optionally bzip2-compressed, in text, binary, or delta16 form.
package writer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dsnet/compress/bzip2"
)

// Format selects how prime values are serialized.
type Format int

const (
	FormatText Format = iota
	FormatBinary
	FormatDelta16
)

// Compression selects an optional streaming compressor for the output.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionBzip2
)

var (
	ErrNonMonotonic  = errors.New("writer: primes must be non-decreasing for delta16 encoding")
	ErrZeroDelta     = errors.New("writer: prime delta must be positive for delta16 encoding")
	ErrDeltaOverflow = errors.New("writer: prime delta exceeds int16 range in delta16 output")
)

const (
	defaultQueueCapacity = 8
	defaultFileBuffer    = 8 << 20
)

// chunk is either a batch of encoded bytes, or a flush marker carrying a
// channel the drain goroutine closes once every prior chunk has reached the
// underlying writer.
type chunk struct {
	data  []byte
	flush chan struct{}
}

// Option configures a Writer at construction time.
type Option func(*Writer)

// WithCompression wraps the underlying output in a streaming compressor.
func WithCompression(c Compression) Option {
	return func(w *Writer) { w.compression = c }
}

// WithIndex enables a side index file at path, appending one
// (segmentID, firstPrime, count) record per non-empty segment delivered to
// OnSegment.
func WithIndex(path string) Option {
	return func(w *Writer) { w.indexPath = path }
}

// WithQueueCapacity overrides the bounded channel depth between producer and
// the background drain goroutine. Mostly useful for tests.
func WithQueueCapacity(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.queueCapacity = n
		}
	}
}

// Writer is a concrete sieve.PrimeSink. It owns the destination file (and,
// if configured, an index file), and drains encoded chunks on a background
// goroutine in the order OnPrefix/OnSegment/OnFlush calls arrive.
type Writer struct {
	format      Format
	compression Compression
	indexPath   string

	queueCapacity int
	queue         chan chunk
	done          chan struct{}
	drainErr      error

	file       *os.File
	ownsFile   bool
	buffered   *bufio.Writer
	compressor *bzip2.Writer
	sink       io.Writer

	indexFile *os.File
	indexBuf  *bufio.Writer

	hasFirst bool
	previous uint64

	started bool
}

// New creates a Writer that writes to path. An empty path writes to stdout.
func New(path string, format Format, opts ...Option) (*Writer, error) {
	w := &Writer{
		format:        format,
		queueCapacity: defaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(w)
	}

	if path == "" {
		w.file = os.Stdout
		w.ownsFile = false
	} else {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("writer: open output: %w", err)
		}
		w.file = f
		w.ownsFile = true
	}

	w.buffered = bufio.NewWriterSize(w.file, defaultFileBuffer)
	w.sink = w.buffered
	if w.compression == CompressionBzip2 {
		w.compressor = bzip2.NewWriter(w.buffered)
		w.sink = w.compressor
	}

	if w.indexPath != "" {
		idx, err := os.Create(w.indexPath)
		if err != nil {
			return nil, fmt.Errorf("writer: open index: %w", err)
		}
		w.indexFile = idx
		w.indexBuf = bufio.NewWriter(idx)
	}

	w.queue = make(chan chunk, w.queueCapacity)
	w.done = make(chan struct{})
	w.started = true
	go w.drain()
	return w, nil
}

func (w *Writer) drain() {
	defer close(w.done)
	for c := range w.queue {
		if c.flush != nil {
			if err := w.buffered.Flush(); err != nil && w.drainErr == nil {
				w.drainErr = fmt.Errorf("writer: flush: %w", err)
			}
			close(c.flush)
			continue
		}
		if len(c.data) == 0 {
			continue
		}
		if _, err := w.sink.Write(c.data); err != nil && w.drainErr == nil {
			w.drainErr = fmt.Errorf("writer: write: %w", err)
		}
	}
}

func (w *Writer) enqueue(data []byte) {
	if len(data) == 0 {
		return
	}
	w.queue <- chunk{data: data}
}

// OnPrefix serializes the presieve prefix primes the same way a segment's
// primes would be encoded, with no index entry (the prefix has no segment
// ID).
func (w *Writer) OnPrefix(primes []uint64) {
	if len(primes) == 0 {
		return
	}
	data, err := w.encode(primes)
	if err != nil {
		if w.drainErr == nil {
			w.drainErr = err
		}
		return
	}
	w.enqueue(data)
}

// OnSegment encodes and enqueues one segment's primes in order, optionally
// recording an index entry.
func (w *Writer) OnSegment(segmentID uint64, primes []uint64) error {
	if w.drainErr != nil {
		return w.drainErr
	}
	if len(primes) == 0 {
		return nil
	}
	data, err := w.encode(primes)
	if err != nil {
		return err
	}
	w.enqueue(data)

	if w.indexBuf != nil {
		var buf [24]byte
		binary.LittleEndian.PutUint64(buf[0:8], segmentID)
		binary.LittleEndian.PutUint64(buf[8:16], primes[0])
		binary.LittleEndian.PutUint64(buf[16:24], uint64(len(primes)))
		if _, err := w.indexBuf.Write(buf[:]); err != nil {
			return fmt.Errorf("writer: index write: %w", err)
		}
	}
	return w.drainErr
}

// OnFlush blocks until every chunk enqueued so far has reached the
// underlying file, then flushes the file's own buffer. Bzip2 output has no
// mid-stream flush primitive in this library, so compressed bytes may still
// be held inside the compressor until OnFinish closes it.
func (w *Writer) OnFlush() error {
	done := make(chan struct{})
	w.queue <- chunk{flush: done}
	<-done
	if w.indexBuf != nil {
		if err := w.indexBuf.Flush(); err != nil {
			return fmt.Errorf("writer: index flush: %w", err)
		}
	}
	return w.drainErr
}

// OnFinish stops the background drain goroutine, closes the compressor (if
// any), and closes the output and index files.
func (w *Writer) OnFinish() error {
	if !w.started {
		return nil
	}
	close(w.queue)
	<-w.done
	w.started = false

	var finishErr error
	if w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			finishErr = err
		}
	}
	if finishErr == nil && w.drainErr != nil {
		finishErr = w.drainErr
	}
	if err := w.buffered.Flush(); err != nil && finishErr == nil {
		finishErr = fmt.Errorf("writer: final flush: %w", err)
	}
	if w.ownsFile {
		if err := w.file.Close(); err != nil && finishErr == nil {
			finishErr = err
		}
	}
	if w.indexBuf != nil {
		if err := w.indexBuf.Flush(); err != nil && finishErr == nil {
			finishErr = err
		}
		if err := w.indexFile.Close(); err != nil && finishErr == nil {
			finishErr = err
		}
	}
	return finishErr
}

func (w *Writer) encode(primes []uint64) ([]byte, error) {
	switch w.format {
	case FormatText:
		return encodeText(primes), nil
	case FormatBinary:
		return encodeBinary(primes), nil
	case FormatDelta16:
		return w.encodeDelta16(primes)
	default:
		return nil, fmt.Errorf("writer: unknown format %d", w.format)
	}
}

func encodeText(primes []uint64) []byte {
	buf := make([]byte, 0, len(primes)*8)
	var local [20]byte
	for _, v := range primes {
		s := strconv.AppendUint(local[:0], v, 10)
		buf = append(buf, s...)
		buf = append(buf, '\n')
	}
	return buf
}

func encodeBinary(primes []uint64) []byte {
	buf := make([]byte, len(primes)*8)
	for i, v := range primes {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

// encodeDelta16 writes the first prime it ever sees (across the whole
// Writer's lifetime, not just this call) as a full little-endian uint64,
// then every following value as a signed 16-bit delta from the previous
// value, matching writer.cpp's encode_delta16 contract.
func (w *Writer) encodeDelta16(primes []uint64) ([]byte, error) {
	size := len(primes) * 2
	start := 0
	if !w.hasFirst {
		size = 8
		if len(primes) > 1 {
			size += (len(primes) - 1) * 2
		}
		start = 1
	}
	buf := make([]byte, 0, size)

	if !w.hasFirst {
		var head [8]byte
		binary.LittleEndian.PutUint64(head[:], primes[0])
		buf = append(buf, head[:]...)
		w.previous = primes[0]
		w.hasFirst = true
	}

	for i := start; i < len(primes); i++ {
		v := primes[i]
		if v < w.previous {
			return nil, ErrNonMonotonic
		}
		delta := v - w.previous
		if delta == 0 {
			return nil, ErrZeroDelta
		}
		if delta > 1<<15-1 {
			return nil, ErrDeltaOverflow
		}
		var d [2]byte
		binary.LittleEndian.PutUint16(d[:], uint16(int16(delta)))
		buf = append(buf, d[:]...)
		w.previous = v
	}
	return buf, nil
}
