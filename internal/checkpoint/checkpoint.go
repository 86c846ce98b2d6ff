// Package checkpoint implements the Checkpoint Store: per-customer,
// per-log last-consumed LSN with compare-and-swap on an internally kept
// version. Durable storage is github.com/peterbourgon/diskv/v3 (the
// teacher carries no disk-KV library for this concern; diskv is pulled
// from the meidoworks-nekoq-bootstrap pack repo's
// internal/storage/impl.diskv.go, which shapes NewDiskvStroage/Put/Get the
// same way Store.get/Store.update do here). CAS is implemented on top of
// diskv's plain read/write with a per-key mutex shard, guarding against
// concurrent updates to the same (customer, log) racing past each other
// between the read and the write.
package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/peterbourgon/diskv/v3"

	"logcore/pkg/types"
)

// entry is the value stored per (customer, log): the checkpointed LSN plus
// a version bumped on every successful update, used to serialize
// concurrent writers.
type entry struct {
	LSN     types.LSN
	Version uint64
}

func encodeEntry(e entry) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], e.LSN.Encode())
	binary.BigEndian.PutUint64(buf[8:16], e.Version)
	return buf
}

func decodeEntry(buf []byte) (entry, error) {
	if len(buf) != 16 {
		return entry{}, fmt.Errorf("checkpoint: corrupt entry length %d", len(buf))
	}
	return entry{
		LSN:     types.DecodeLSN(binary.BigEndian.Uint64(buf[0:8])),
		Version: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// keyLock shards per-key mutexes so concurrent updates to different
// (customer, log) pairs never block each other, mirroring the
// per-log-exclusive-ownership shape of the sequencer registry.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLock) forKey(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

// Store is the Checkpoint Store.
type Store struct {
	dv    *diskv.Diskv
	locks *keyLock
}

// Open opens (creating if absent) a Checkpoint Store rooted at dir.
func Open(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: resolve dir: %w", err)
	}
	dv := diskv.New(diskv.Options{
		BasePath: abs,
		Transform: func(s string) []string {
			return []string{shardPrefix(s)}
		},
		CacheSizeMax: 1 << 20,
	})
	return &Store{dv: dv, locks: newKeyLock()}, nil
}

func shardPrefix(s string) string {
	v := sha256.Sum256([]byte(s))
	return hex.EncodeToString(v[:])[:2]
}

func key(customer string, log types.LogID) string {
	// diskv rejects keys containing a path separator, so ':' joins the parts.
	return fmt.Sprintf("%s:%d", customer, uint64(log))
}

// Get returns the checkpointed LSN for (customer, log), or
// types.LSNInvalid if none has been recorded.
func (s *Store) Get(customer string, log types.LogID) (types.LSN, error) {
	raw, err := s.dv.Read(key(customer, log))
	if err != nil {
		if isNotExist(err) {
			return types.LSNInvalid, nil
		}
		return types.LSNInvalid, fmt.Errorf("checkpoint: read: %w", err)
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return types.LSNInvalid, err
	}
	return e.LSN, nil
}

// Update sets the checkpoint for (customer, log) to lsn and bumps the
// stored version. The read-modify-write runs once under the in-process
// per-key mutex; there is no retry loop, and writers in other processes
// sharing the same directory are not serialized against it.
func (s *Store) Update(customer string, log types.LogID, lsn types.LSN) error {
	return s.updateOne(customer, log, lsn)
}

func (s *Store) updateOne(customer string, log types.LogID, lsn types.LSN) error {
	k := key(customer, log)
	lock := s.locks.forKey(k)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.readEntry(k)
	if err != nil {
		return err
	}
	next := entry{LSN: lsn, Version: cur.Version + 1}
	if err := s.dv.Write(k, encodeEntry(next)); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	return nil
}

// UpdateBatch applies updates one (customer, log) pair at a time, in map
// iteration order. It is not atomic: the first failure stops the batch and
// leaves the pairs already applied updated.
func (s *Store) UpdateBatch(customer string, updates map[types.LogID]types.LSN) error {
	for log, lsn := range updates {
		if err := s.updateOne(customer, log, lsn); err != nil {
			return fmt.Errorf("checkpoint: batch update log %d: %w", log, err)
		}
	}
	return nil
}

// Remove deletes the checkpoints for the given logs under customer.
func (s *Store) Remove(customer string, logs []types.LogID) error {
	for _, log := range logs {
		k := key(customer, log)
		lock := s.locks.forKey(k)
		lock.Lock()
		err := s.dv.Erase(k)
		lock.Unlock()
		if err != nil && !isNotExist(err) {
			return fmt.Errorf("checkpoint: remove log %d: %w", log, err)
		}
	}
	return nil
}

// RemoveAll deletes every checkpoint recorded under customer.
func (s *Store) RemoveAll(customer string) error {
	prefix := customer + ":"
	var toRemove []string
	for k := range s.dv.Keys(nil) {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			toRemove = append(toRemove, k)
		}
	}
	for _, k := range toRemove {
		lock := s.locks.forKey(k)
		lock.Lock()
		err := s.dv.Erase(k)
		lock.Unlock()
		if err != nil && !isNotExist(err) {
			return fmt.Errorf("checkpoint: remove_all: %w", err)
		}
	}
	return nil
}

func (s *Store) readEntry(k string) (entry, error) {
	raw, err := s.dv.Read(k)
	if err != nil {
		if isNotExist(err) {
			return entry{}, nil
		}
		return entry{}, fmt.Errorf("checkpoint: read: %w", err)
	}
	return decodeEntry(raw)
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
