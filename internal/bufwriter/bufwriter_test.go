package bufwriter

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"logcore/pkg/logerrors"
	"logcore/pkg/types"
)

type fakeAppend struct {
	mu    sync.Mutex
	blobs [][]byte
	next  types.ESN
	fail  bool
}

func (f *fakeAppend) append(ctx context.Context, payload []byte, flags types.RecordFlags) (types.LSN, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return types.LSNInvalid, fmt.Errorf("fakeAppend: forced failure")
	}
	f.next++
	f.blobs = append(f.blobs, payload)
	return types.LSN{Epoch: 1, ESN: f.next}, nil
}

func TestAppendFlushesOnSizeThreshold(t *testing.T) {
	fa := &fakeAppend{}
	w := New(Config{MaxBatchSize: 10, MaxLinger: time.Hour, Append: fa.append})

	done, err := w.Append(context.Background(), []byte("0123456789"), 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("unexpected append error: %v", out.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for size-triggered flush")
	}

	fa.mu.Lock()
	n := len(fa.blobs)
	fa.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one flushed batch, got %d", n)
	}
}

func TestAppendFlushesOnLinger(t *testing.T) {
	fa := &fakeAppend{}
	w := New(Config{MaxBatchSize: 1 << 20, MaxLinger: 10 * time.Millisecond, Append: fa.append})

	done, err := w.Append(context.Background(), []byte("x"), 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("unexpected append error: %v", out.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for linger-triggered flush")
	}
}

func TestAppendRejectsOversizedPayload(t *testing.T) {
	fa := &fakeAppend{}
	w := New(Config{MaxBatchSize: 4, Append: fa.append})

	_, err := w.Append(context.Background(), []byte("toolong"), 0)
	if err != ErrTooBig {
		t.Fatalf("expected ErrTooBig, got %v", err)
	}
}

func TestEncodeDecodeBatchRoundTripsNoCompression(t *testing.T) {
	batch := []*pendingRecord{
		{payload: []byte("alpha"), flags: 0},
		{payload: []byte("beta"), flags: types.RecordFlagHole},
	}
	blob, flags, err := encodeBatch(batch, CompressionNone)
	if err != nil {
		t.Fatalf("encodeBatch: %v", err)
	}
	if !flags.Has(types.RecordFlagBufferedWriterBatch) {
		t.Fatalf("expected batch flag set")
	}

	payloads, recFlags, err := DecodeBatch(blob, CompressionNone)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(payloads) != 2 || string(payloads[0]) != "alpha" || string(payloads[1]) != "beta" {
		t.Fatalf("unexpected payloads: %v", payloads)
	}
	if recFlags[1] != types.RecordFlagHole {
		t.Fatalf("unexpected flags: %v", recFlags)
	}
}

func TestEncodeDecodeBatchRoundTripsZstd(t *testing.T) {
	batch := []*pendingRecord{{payload: bytes.Repeat([]byte("z"), 256)}}
	blob, _, err := encodeBatch(batch, CompressionZstd)
	if err != nil {
		t.Fatalf("encodeBatch: %v", err)
	}
	payloads, _, err := DecodeBatch(blob, CompressionZstd)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(payloads) != 1 || string(payloads[0]) != string(bytes.Repeat([]byte("z"), 256)) {
		t.Fatalf("zstd round trip mismatch")
	}
}

func TestEncodeDecodeBatchRoundTripsLZ4(t *testing.T) {
	batch := []*pendingRecord{{payload: []byte("abcabcabcabc")}}
	blob, _, err := encodeBatch(batch, CompressionLZ4)
	if err != nil {
		t.Fatalf("encodeBatch: %v", err)
	}
	payloads, _, err := DecodeBatch(blob, CompressionLZ4)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(payloads) != 1 || string(payloads[0]) != "abcabcabcabc" {
		t.Fatalf("lz4 round trip mismatch, got %q", payloads[0])
	}
}

func TestAppendFailurePropagatesToAllPending(t *testing.T) {
	fa := &fakeAppend{fail: true}
	w := New(Config{MaxBatchSize: 10, MaxLinger: time.Hour, Append: fa.append})

	done, err := w.Append(context.Background(), []byte("0123456789"), 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case out := <-done:
		if out.err == nil {
			t.Fatal("expected propagated append error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failed flush")
	}
}

func TestCloseFlushesPendingAndRejectsFurtherAppends(t *testing.T) {
	fa := &fakeAppend{}
	w := New(Config{MaxBatchSize: 1 << 20, MaxLinger: time.Hour, Append: fa.append})

	done, err := w.Append(context.Background(), []byte("x"), 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close(context.Background())

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("unexpected error on close-triggered flush: %v", out.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close-triggered flush")
	}

	if _, err := w.Append(context.Background(), []byte("y"), 0); err == nil {
		t.Fatal("expected error appending to closed writer")
	}
}

// orderedAppend records start/end events for each call it serves, with the
// first call held open on a gate so tests can observe whether a second
// call's Append dispatch starts before or after the first one finishes.
type orderedAppend struct {
	mu     sync.Mutex
	events []string
	gate   chan struct{}
}

func (o *orderedAppend) append(ctx context.Context, payload []byte, flags types.RecordFlags) (types.LSN, error) {
	recs, _, err := DecodeBatch(payload, CompressionNone)
	if err != nil || len(recs) != 1 {
		return types.LSNInvalid, fmt.Errorf("orderedAppend: expected a one-record batch, got %d records (%v)", len(recs), err)
	}
	name := string(recs[0])
	o.mu.Lock()
	o.events = append(o.events, "start:"+name)
	n := len(o.events)
	o.mu.Unlock()

	if n == 1 && o.gate != nil {
		<-o.gate
	}

	o.mu.Lock()
	o.events = append(o.events, "end:"+name)
	o.mu.Unlock()
	return types.LSN{Epoch: 1, ESN: types.ESN(n)}, nil
}

func TestOneAtATimeSerializesFlushDispatchOrder(t *testing.T) {
	oa := &orderedAppend{gate: make(chan struct{})}
	w := New(Config{MaxBatchRecords: 1, MaxLinger: time.Hour, Mode: ModeOneAtATime, Append: oa.append})

	done1, err := w.Append(context.Background(), []byte("first"), 0)
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}

	// Give the first flush time to reach the gate before the second one is
	// queued, so a OneAtATime writer would have to block its dispatch.
	time.Sleep(20 * time.Millisecond)

	done2Ch := make(chan chan appendOutcome, 1)
	go func() {
		done2, err := w.Append(context.Background(), []byte("second"), 0)
		if err != nil {
			t.Errorf("Append 2: %v", err)
			return
		}
		done2Ch <- done2
	}()

	time.Sleep(20 * time.Millisecond) // let the second flush try (and, under OneAtATime, block) to dispatch
	close(oa.gate)

	select {
	case out := <-done1:
		if out.err != nil {
			t.Fatalf("unexpected error: %v", out.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first flush")
	}
	done2 := <-done2Ch
	select {
	case out := <-done2:
		if out.err != nil {
			t.Fatalf("unexpected error: %v", out.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second flush")
	}

	oa.mu.Lock()
	defer oa.mu.Unlock()
	want := []string{"start:first", "end:first", "start:second", "end:second"}
	if len(oa.events) != len(want) {
		t.Fatalf("events = %v, want %v", oa.events, want)
	}
	for i, ev := range want {
		if oa.events[i] != ev {
			t.Fatalf("events = %v, want %v", oa.events, want)
		}
	}
}

func TestFlushRetriesRetryableFailures(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	append := func(ctx context.Context, payload []byte, flags types.RecordFlags) (types.LSN, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return types.LSNInvalid, logerrors.ErrTimedOut
		}
		return types.LSN{Epoch: 1, ESN: 1}, nil
	}
	w := New(Config{
		MaxBatchSize:      10,
		MaxLinger:         time.Hour,
		RetryCount:        5,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
		Append:            append,
	})

	done, err := w.Append(context.Background(), []byte("0123456789"), 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("expected eventual success after retries, got %v", out.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retried flush")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
