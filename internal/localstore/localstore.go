// Package localstore implements the storage-node-local log store: a
// write-ahead log plus an ordered in-memory table keyed by the composite
// (LogID, LSN) key, periodically flushed to immutable sorted segments. It
// adapts the teacher's store.Store composition (pkg/store/store.go: WAL +
// Memtable + flush-on-rotation) from a single flat byte-key keyspace to the
// per-log composite key this domain needs, and reuses memtable's
// atomic.Pointer-swap rotation (pkg/memtable/memtable.go) verbatim for the
// active/immutable table handoff.
//
// Multi-level compaction (pkg/persistance's Manifest/levels machinery) is
// intentionally not carried over: the Local Log Store is specified only at
// the abstract (log,lsn)->payload contract level, so segments here are
// flushed once and read through in reverse-chronological order rather than
// compacted — see DESIGN.md for the scope note.
package localstore

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"logcore/pkg/types"
)

// entry is one record plus its metadata, as kept in the memtable and
// segments.
type entry struct {
	key    []byte // types.EncodeKey(log, lsn)
	record types.Record
}

type orderedTable = skipmap.FuncMap[[]byte, entry]

func newTable() *orderedTable {
	return skipmap.NewFunc[[]byte, entry](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// segment is an immutable flushed table, kept in memory for this adaptation
// (a real deployment would flush to a file-backed sstable per
// pkg/persistence/sstable.go; see DESIGN.md).
type segment struct {
	table *orderedTable
}

// Store is one shard's Local Log Store.
type Store struct {
	wal *WAL

	mu       sync.RWMutex
	active   atomic.Pointer[orderedTable]
	segments []*segment

	trimMu sync.RWMutex
	trim   map[types.LogID]types.LSN

	flushThreshold int
	sizeEstimate   atomic.Int64
}

// Config configures a Store.
type Config struct {
	WALDir         string
	FlushThreshold int // approximate bytes before an active-table rotation
}

// Open opens (creating if absent) a Store rooted at cfg.WALDir, replaying
// the WAL to rebuild the active table.
func Open(cfg Config) (*Store, error) {
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = 32 << 20
	}
	wal, err := NewWAL(cfg.WALDir)
	if err != nil {
		return nil, fmt.Errorf("localstore: open wal: %w", err)
	}

	s := &Store{
		wal:            wal,
		trim:           make(map[types.LogID]types.LSN),
		flushThreshold: threshold,
	}
	s.active.Store(newTable())

	if err := wal.Replay(func(rec WALRecord) error {
		s.applyInMemory(rec.Log, rec.Record)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("localstore: replay wal: %w", err)
	}
	return s, nil
}

// Close flushes and releases the underlying WAL.
func (s *Store) Close() error {
	return s.wal.Close()
}

// Append durably writes rec for log, returning once the WAL entry is
// synced.
func (s *Store) Append(log types.LogID, rec types.Record) error {
	if err := s.wal.Append(WALRecord{Log: log, Record: rec}); err != nil {
		return fmt.Errorf("localstore: wal append: %w", err)
	}
	s.applyInMemory(log, rec)
	return nil
}

func (s *Store) applyInMemory(log types.LogID, rec types.Record) {
	key := types.EncodeKey(log, rec.LSN)
	active := s.active.Load()
	active.Store(key, entry{key: key, record: rec})

	size := int64(len(key) + len(rec.Payload) + 32)
	if s.sizeEstimate.Add(size) >= int64(s.flushThreshold) {
		s.rotate()
	}
}

// rotate seals the active table into an immutable segment and starts a
// fresh one, mirroring memtable.rotate's imm-slice append.
func (s *Store) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed := s.active.Swap(newTable())
	s.segments = append(s.segments, &segment{table: sealed})
	s.sizeEstimate.Store(0)
}

// Get returns the record stored at exactly (log, lsn).
func (s *Store) Get(log types.LogID, lsn types.LSN) (types.Record, bool, error) {
	key := types.EncodeKey(log, lsn)
	if e, ok := s.active.Load().Load(key); ok {
		return e.record, true, nil
	}
	s.mu.RLock()
	segs := append([]*segment{}, s.segments...)
	s.mu.RUnlock()
	for i := len(segs) - 1; i >= 0; i-- {
		if e, ok := segs[i].table.Load(key); ok {
			return e.record, true, nil
		}
	}
	return types.Record{}, false, nil
}

// ReadNext returns the lowest record for log strictly after after.
func (s *Store) ReadNext(log types.LogID, after types.LSN) (types.Record, bool, error) {
	lowKey := types.EncodeKey(log, after.Next())
	highKey := types.EncodeKey(log, types.LSNMax)

	best, found := (*entry)(nil), false
	scan := func(t *orderedTable) {
		t.Range(func(k []byte, e entry) bool {
			if bytes.Compare(k, lowKey) < 0 || bytes.Compare(k, highKey) > 0 {
				return true
			}
			if !found || bytes.Compare(k, best.key) < 0 {
				cp := e
				best = &cp
				found = true
			}
			return true
		})
	}

	scan(s.active.Load())
	s.mu.RLock()
	segs := append([]*segment{}, s.segments...)
	s.mu.RUnlock()
	for _, seg := range segs {
		scan(seg.table)
	}

	if !found {
		return types.Record{}, false, nil
	}
	return best.record, true, nil
}

// SetTrimPoint advances log's trim point; a value below the current one is
// ignored. Records at or below the trim point stay in the store: nothing
// here reclaims them.
func (s *Store) SetTrimPoint(log types.LogID, lsn types.LSN) {
	s.trimMu.Lock()
	defer s.trimMu.Unlock()
	if cur, ok := s.trim[log]; !ok || cur.Less(lsn) {
		s.trim[log] = lsn
	}
}

// TrimPoint returns log's current trim point, or LSNInvalid if never
// trimmed.
func (s *Store) TrimPoint(log types.LogID) (types.LSN, error) {
	s.trimMu.RLock()
	defer s.trimMu.RUnlock()
	return s.trim[log], nil
}

// HighestLSN returns the highest LSN physically present for log, used by
// recovery to bound the search for a clean tail.
func (s *Store) HighestLSN(log types.LogID) (types.LSN, bool) {
	var keys [][]byte
	collect := func(t *orderedTable) {
		t.Range(func(k []byte, e entry) bool {
			if e.record.Log == log {
				keys = append(keys, k)
			}
			return true
		})
	}
	collect(s.active.Load())
	s.mu.RLock()
	segs := append([]*segment{}, s.segments...)
	s.mu.RUnlock()
	for _, seg := range segs {
		collect(seg.table)
	}
	if len(keys) == 0 {
		return types.LSNInvalid, false
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	_, lsn, err := types.DecodeKey(keys[len(keys)-1])
	if err != nil {
		return types.LSNInvalid, false
	}
	return lsn, true
}
