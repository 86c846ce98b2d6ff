package localstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"logcore/pkg/types"
)

// WALRecord is one write-ahead log entry: a single record destined for one
// log, following the field order of the teacher's wal.Entry
// (pkg/wal/wal.go) generalized from a flat key/value pair to a full
// types.Record.
type WALRecord struct {
	Log    types.LogID
	Record types.Record
}

// WAL is an append-only, fsync-on-write journal, adapted from the
// teacher's wal.WAL (pkg/wal/wal.go) to carry a types.Record payload
// instead of a raw key/value/meta triple, and to replay synchronously
// rather than through a listener.Job.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
}

// NewWAL opens (creating if absent) the WAL file under dir.
func NewWAL(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("localstore: empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("localstore: create wal dir: %w", err)
	}
	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("localstore: open wal file: %w", err)
	}
	return &WAL{file: f, writer: bufio.NewWriter(f), filePath: path}, nil
}

// Append synchronously writes rec and fsyncs before returning.
func (w *WAL) Append(rec WALRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeRecord(rec); err != nil {
		return fmt.Errorf("localstore: write wal entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("localstore: flush wal: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) writeRecord(rec WALRecord) error {
	var hdr [8 + 8 + 8 + 4 + 4]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(rec.Log))
	binary.BigEndian.PutUint64(hdr[8:16], rec.Record.LSN.Encode())
	binary.BigEndian.PutUint64(hdr[16:24], uint64(rec.Record.Timestamp))
	binary.BigEndian.PutUint32(hdr[24:28], uint32(rec.Record.Flags))
	binary.BigEndian.PutUint32(hdr[28:32], uint32(len(rec.Record.Payload)))
	if _, err := w.writer.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.writer.Write(rec.Record.Payload)
	return err
}

func (w *WAL) readRecord(r *bufio.Reader) (WALRecord, error) {
	var hdr [8 + 8 + 8 + 4 + 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return WALRecord{}, err
	}
	log := types.LogID(binary.BigEndian.Uint64(hdr[0:8]))
	lsn := types.DecodeLSN(binary.BigEndian.Uint64(hdr[8:16]))
	ts := types.TimestampMs(binary.BigEndian.Uint64(hdr[16:24]))
	flags := types.RecordFlags(binary.BigEndian.Uint32(hdr[24:28]))
	payloadLen := binary.BigEndian.Uint32(hdr[28:32])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return WALRecord{}, err
	}
	return WALRecord{Log: log, Record: types.Record{Log: log, LSN: lsn, Timestamp: ts, Flags: flags, Payload: payload}}, nil
}

// Replay reads every entry written so far, in order, calling fn for each.
func (w *WAL) Replay(fn func(WALRecord) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("localstore: flush before replay: %w", err)
	}
	f, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("localstore: open wal for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := w.readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("localstore: read wal entry: %w", err)
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("localstore: replay callback: %w", err)
		}
	}
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("localstore: flush on close: %w", err)
	}
	return w.file.Close()
}
