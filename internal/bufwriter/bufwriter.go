// Package bufwriter implements the client-side buffered writer: batches
// records per log by size or time, optionally compresses the batch, and
// flushes it as a single appended blob whose header records the original
// record boundaries. It reuses the teacher's compression package
// (pkg/compression/stdlib.go's zstd wrapping, pkg/compression/lz77.go as
// the lz4/lz4hc stand-in — no lz4 library exists anywhere in the example
// corpus) and follows the teacher's memtable rotation trigger shape
// (pkg/memtable/memtable.go: size threshold flips an active buffer) for
// the size-based flush trigger.
package bufwriter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"logcore/pkg/compression"
	"logcore/pkg/logerrors"
	"logcore/pkg/types"
)

// Compression selects the batch payload codec.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4   // backed by the LZ77 codec; see package doc
	CompressionLZ4HC // same codec, distinct knob for API parity with the spec
)

// Mode controls whether successive batches for one log may be in flight to
// the Appender concurrently.
type Mode int

const (
	// ModeIndependent lets a new batch's flush start appending before an
	// earlier batch's append has completed: the Appender (or whatever sits
	// behind it) is responsible for any ordering it needs.
	ModeIndependent Mode = iota
	// ModeOneAtATime serializes flushes: the next batch's Append call does
	// not start until the previous one has completed, so the sequence of
	// append calls the log observes matches the sequence of batches
	// completed at the client, in order.
	ModeOneAtATime
)

// Appender is the underlying per-record append sink (normally a
// sequencer.Sequencer.Append).
type Appender func(ctx context.Context, payload []byte, flags types.RecordFlags) (types.LSN, error)

// Config configures a Writer.
type Config struct {
	MaxBatchSize    int // bytes; triggers a flush when reached
	MaxBatchRecords int
	MaxLinger       time.Duration
	Compression     Compression
	Mode            Mode
	// DestroyPayloads frees each record's payload slice immediately after
	// it is copied into the batch buffer, trading caller-side reuse for a
	// smaller live-heap footprint under sustained high write rates.
	DestroyPayloads bool
	Append          Appender

	// RetryCount bounds the number of retries flush attempts after the
	// first failed Append call, for errors logerrors.Retryable considers
	// transient. Zero disables retries.
	RetryCount int
	// RetryInitialDelay is the backoff before the first retry; it doubles
	// on each subsequent retry up to RetryMaxDelay.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// pendingRecord is one record queued in the active batch.
type pendingRecord struct {
	payload []byte
	flags   types.RecordFlags
	done    chan appendOutcome
}

type appendOutcome struct {
	lsn types.LSN
	err error
}

// Writer batches appends for one log.
type Writer struct {
	cfg Config

	mu      sync.Mutex
	pending []*pendingRecord
	size    int
	timer   *time.Timer
	closed  bool

	// flushMu is held across one in-flight Append call when cfg.Mode is
	// ModeOneAtATime, serializing dispatch order across concurrent
	// flushes. Unused under ModeIndependent.
	flushMu sync.Mutex
}

// New creates a Writer. Call Close to flush and stop its linger timer.
func New(cfg Config) *Writer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1 << 20
	}
	if cfg.MaxLinger <= 0 {
		cfg.MaxLinger = 100 * time.Millisecond
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = 50 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	return &Writer{cfg: cfg}
}

// ErrTooBig is a local alias kept distinct from logerrors.ErrTooBig: this
// one specifically means "too big even for an empty batch", not "too big
// for the wire".
var ErrTooBig = fmt.Errorf("bufwriter: payload exceeds max batch size")

// Append queues payload for batched replication and returns a future-style
// channel resolved once the batch containing it has been appended.
func (w *Writer) Append(ctx context.Context, payload []byte, flags types.RecordFlags) (chan appendOutcome, error) {
	if len(payload) > w.cfg.MaxBatchSize {
		return nil, ErrTooBig
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, fmt.Errorf("bufwriter: writer closed")
	}

	pr := &pendingRecord{payload: payload, flags: flags, done: make(chan appendOutcome, 1)}
	w.pending = append(w.pending, pr)
	w.size += len(payload)

	// Reaching the size threshold (or the record-count cap) forces an
	// immediate flush of everything queued so far, including this record.
	shouldFlush := w.size >= w.cfg.MaxBatchSize || (w.cfg.MaxBatchRecords > 0 && len(w.pending) >= w.cfg.MaxBatchRecords)

	if !shouldFlush && w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.MaxLinger, func() { w.flush(ctx) })
	}
	w.mu.Unlock()

	if shouldFlush {
		go w.flush(ctx)
	}
	return pr.done, nil
}

// flush drains the current batch and appends it as one blob. Under
// ModeOneAtATime, flushMu is acquired here, while w.mu is still held, so
// concurrent flushes serialize their Append calls in the same order their
// batches were drained; it is released only once this flush's Append (and
// any retries) have completed.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.size = 0
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	oneAtATime := w.cfg.Mode == ModeOneAtATime
	if oneAtATime {
		w.flushMu.Lock()
	}
	w.mu.Unlock()
	if oneAtATime {
		defer w.flushMu.Unlock()
	}

	if len(batch) == 0 {
		return
	}

	blob, flags, err := encodeBatch(batch, w.cfg.Compression)
	if w.cfg.DestroyPayloads {
		for _, pr := range batch {
			pr.payload = nil
		}
	}
	if err != nil {
		w.failAll(batch, fmt.Errorf("bufwriter: encode batch: %w", err))
		return
	}

	lsn, err := w.appendWithRetry(ctx, blob, flags)
	if err != nil {
		w.failAll(batch, err)
		return
	}

	for _, pr := range batch {
		pr.done <- appendOutcome{lsn: lsn, err: nil}
	}
}

// appendWithRetry calls cfg.Append, retrying transient failures up to
// cfg.RetryCount times with exponential backoff between cfg.RetryInitialDelay
// and cfg.RetryMaxDelay.
func (w *Writer) appendWithRetry(ctx context.Context, blob []byte, flags types.RecordFlags) (types.LSN, error) {
	delay := w.cfg.RetryInitialDelay
	var lastErr error
	for attempt := 0; attempt <= w.cfg.RetryCount; attempt++ {
		lsn, err := w.cfg.Append(ctx, blob, flags)
		if err == nil {
			return lsn, nil
		}
		lastErr = err
		if attempt == w.cfg.RetryCount || !logerrors.Retryable(err) {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.LSNInvalid, ctx.Err()
		}
		delay *= 2
		if delay > w.cfg.RetryMaxDelay {
			delay = w.cfg.RetryMaxDelay
		}
	}
	return types.LSNInvalid, lastErr
}

func (w *Writer) failAll(batch []*pendingRecord, err error) {
	for _, pr := range batch {
		pr.done <- appendOutcome{err: err}
	}
}

// Close flushes any pending batch and prevents further appends.
func (w *Writer) Close(ctx context.Context) {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.flush(ctx)
}

// encodeBatch writes a record count followed by each record's framing:
// a length-prefixed entry carrying flags and payload length, matching the
// fixed-field-order convention used on the wire (pkg/wire/wire.go).
func encodeBatch(batch []*pendingRecord, c Compression) ([]byte, types.RecordFlags, error) {
	var raw bytes.Buffer
	binary.Write(&raw, binary.BigEndian, uint32(len(batch)))
	for _, pr := range batch {
		binary.Write(&raw, binary.BigEndian, uint32(pr.flags))
		binary.Write(&raw, binary.BigEndian, uint32(len(pr.payload)))
		raw.Write(pr.payload)
	}

	flags := types.RecordFlags(types.RecordFlagBufferedWriterBatch)
	switch c {
	case CompressionNone:
		return raw.Bytes(), flags, nil
	case CompressionZstd:
		var out bytes.Buffer
		if _, err := compression.CompressZstd(&raw, &out); err != nil {
			return nil, 0, err
		}
		return out.Bytes(), flags, nil
	case CompressionLZ4, CompressionLZ4HC:
		var out bytes.Buffer
		if _, err := compression.CompressLZ77(&raw, &out); err != nil {
			return nil, 0, err
		}
		return out.Bytes(), flags, nil
	default:
		return nil, 0, fmt.Errorf("bufwriter: unknown compression %d", c)
	}
}

// DecodeBatch reverses encodeBatch, used by readers that must split a
// delivered batch blob back into its constituent records.
func DecodeBatch(blob []byte, c Compression) ([][]byte, []types.RecordFlags, error) {
	raw := blob
	var buf bytes.Buffer
	switch c {
	case CompressionZstd:
		if _, err := compression.DecompressZstd(bytes.NewReader(blob), &buf); err != nil {
			return nil, nil, err
		}
		raw = buf.Bytes()
	case CompressionLZ4, CompressionLZ4HC:
		if _, err := compression.DecompressLZ77(bytes.NewReader(blob), &buf); err != nil {
			return nil, nil, err
		}
		raw = buf.Bytes()
	}

	r := bytes.NewReader(raw)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, nil, fmt.Errorf("bufwriter: decode batch header: %w", err)
	}
	payloads := make([][]byte, 0, count)
	flags := make([]types.RecordFlags, 0, count)
	for i := uint32(0); i < count; i++ {
		var flag, length uint32
		if err := binary.Read(r, binary.BigEndian, &flag); err != nil {
			return nil, nil, fmt.Errorf("bufwriter: decode record flags: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, nil, fmt.Errorf("bufwriter: decode record length: %w", err)
		}
		p := make([]byte, length)
		if _, err := r.Read(p); err != nil {
			return nil, nil, fmt.Errorf("bufwriter: read record payload: %w", err)
		}
		payloads = append(payloads, p)
		flags = append(flags, types.RecordFlags(flag))
	}
	return payloads, flags, nil
}
