// Package epochstore implements the per-log epoch coordinator against an
// external strongly-consistent store (ZooKeeper), mirroring the CAS idiom
// the teacher uses for cluster membership (pkg/cluster/zookeeper.go) but
// applied to per-log epoch metadata and last-clean-epoch advancement.
//
// Keys follow {root}/{log-id}/{epoch-metadata|last-clean-data|last-clean-metadata}.
package epochstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"

	"logcore/pkg/logerrors"
	"logcore/pkg/types"
)

// NodesetParamsHash is an opaque hash over the inputs that produced a
// nodeset, used to detect "inputs unchanged" for nodeset reuse.
type NodesetParamsHash uint64

// EpochMetadata is the per-(log,epoch) record the Sequencer writes on
// activation and never mutates thereafter within that epoch.
type EpochMetadata struct {
	Epoch             types.Epoch
	Nodeset           []types.ShardID
	ReplicationProp   types.ReplicationProperty
	EffectiveSince    types.Epoch
	NodesetParamsHash NodesetParamsHash
}

// TailRecord marks the last record of a clean epoch; it must not carry a
// within-epoch ESN offset once flushed to the last-clean-epoch key.
type TailRecord struct {
	LSN       types.LSN
	Timestamp types.TimestampMs
}

func (t TailRecord) validate() error {
	if t.LSN.Valid() && t.LSN.ESN != types.ESNInvalid && t.LSN.ESN != 0 {
		// A tail record is allowed to carry an ESN (the last esn of the
		// epoch); what it must NOT carry is a *within*-epoch offset beyond
		// that tail, which by construction this representation cannot
		// express. The check here guards against the zero-epoch sentinel
		// being mistaken for a valid tail.
		if t.LSN.Epoch == types.EpochInvalid {
			return fmt.Errorf("epochstore: tail record has invalid epoch")
		}
	}
	return nil
}

// lceRecord is the JSON-serialized value of the last-clean-epoch znode.
type lceRecord struct {
	LCE  types.Epoch `json:"lce"`
	Tail TailRecord  `json:"tail"`
}

// Updater transforms the current epoch metadata (nil if absent) into the
// next metadata to CAS-write. It must be a pure function of its input.
type Updater func(current *EpochMetadata) (*EpochMetadata, error)

// Store is the Epoch Store's public contract.
type Store interface {
	GetLastCleanEpoch(ctx context.Context, log types.LogID) (types.Epoch, TailRecord, error)
	SetLastCleanEpoch(ctx context.Context, log types.LogID, lce types.Epoch, tail TailRecord) error
	CreateOrUpdateMetadata(ctx context.Context, log types.LogID, update Updater) (*EpochMetadata, error)
}

// ZKStore is the ZooKeeper-backed Epoch Store.
type ZKStore struct {
	conn        *zk.Conn
	root        string
	provision   bool
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Option configures a ZKStore.
type Option func(*ZKStore)

// WithProvisioning enables automatic creation of a log's znode tree on first
// access.
func WithProvisioning(enabled bool) Option {
	return func(s *ZKStore) { s.provision = enabled }
}

// WithRetryBudget bounds the version-mismatch retry loop.
func WithRetryBudget(maxRetries int, base, max time.Duration) Option {
	return func(s *ZKStore) {
		s.maxRetries = maxRetries
		s.baseBackoff = base
		s.maxBackoff = max
	}
}

// NewZKStore connects to the given ZooKeeper ensemble rooted at root.
func NewZKStore(servers []string, root string, opts ...Option) (*ZKStore, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("epochstore: zk connect: %w", err)
	}
	s := &ZKStore{
		conn:        conn,
		root:        root,
		provision:   true,
		maxRetries:  8,
		baseBackoff: 20 * time.Millisecond,
		maxBackoff:  2 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases the underlying ZooKeeper connection.
func (s *ZKStore) Close() error {
	s.conn.Close()
	return nil
}

func (s *ZKStore) logRoot(log types.LogID) string {
	return fmt.Sprintf("%s/%d", s.root, uint64(log))
}

func (s *ZKStore) metadataPath(log types.LogID) string { return s.logRoot(log) + "/epoch-metadata" }
func (s *ZKStore) lceDataPath(log types.LogID) string  { return s.logRoot(log) + "/last-clean-data" }
func (s *ZKStore) lceMetadataPath(log types.LogID) string {
	return s.logRoot(log) + "/last-clean-metadata"
}

// provisionLog atomically creates the ancestor path, the epoch-metadata key
// and empty last-clean keys via a ZooKeeper multi-op, matching §4.2's
// provisioning contract.
func (s *ZKStore) provisionLog(log types.LogID) error {
	root := s.logRoot(log)
	exists, _, err := s.conn.Exists(root)
	if err != nil {
		return fmt.Errorf("epochstore: exists check: %w", err)
	}
	if exists {
		return nil
	}
	if !s.provision {
		return logerrors.ErrNotFound
	}

	acl := zk.WorldACL(zk.PermAll)
	ops := []interface{}{
		&zk.CreateRequest{Path: root, Data: nil, Acl: acl},
		&zk.CreateRequest{Path: s.metadataPath(log), Data: nil, Acl: acl},
		&zk.CreateRequest{Path: s.lceDataPath(log), Data: nil, Acl: acl},
		&zk.CreateRequest{Path: s.lceMetadataPath(log), Data: nil, Acl: acl},
	}
	if _, err := s.conn.Multi(ops...); err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("epochstore: provision multi: %w", err)
	}
	return nil
}

func isVersionMismatch(err error) bool {
	return err == zk.ErrBadVersion
}

// GetLastCleanEpoch reads the stored LCE and tail record for log.
func (s *ZKStore) GetLastCleanEpoch(ctx context.Context, log types.LogID) (types.Epoch, TailRecord, error) {
	path := s.lceDataPath(log)
	data, _, err := s.conn.Get(path)
	if err == zk.ErrNoNode {
		if perr := s.provisionLog(log); perr != nil {
			return 0, TailRecord{}, perr
		}
		return types.EpochInvalid, TailRecord{}, nil
	}
	if err != nil {
		return 0, TailRecord{}, fmt.Errorf("epochstore: get lce: %w", err)
	}
	if len(data) == 0 {
		return types.EpochInvalid, TailRecord{}, nil
	}
	var rec lceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, TailRecord{}, fmt.Errorf("%w: %v", logerrors.ErrMalformed, err)
	}
	return rec.LCE, rec.Tail, nil
}

// SetLastCleanEpoch CAS-advances the log's LCE. Accepted only if lce is
// strictly greater than the currently stored value.
func (s *ZKStore) SetLastCleanEpoch(ctx context.Context, log types.LogID, lce types.Epoch, tail TailRecord) error {
	if err := tail.validate(); err != nil {
		return err
	}
	path := s.lceDataPath(log)

	backoff := s.baseBackoff
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		data, stat, err := s.conn.Get(path)
		if err == zk.ErrNoNode {
			if perr := s.provisionLog(log); perr != nil {
				return perr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("epochstore: get for cas: %w", err)
		}

		var current lceRecord
		if len(data) > 0 {
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("%w: %v", logerrors.ErrMalformed, err)
			}
		}
		if lce <= current.LCE {
			return fmt.Errorf("epochstore: lce %d not strictly greater than stored %d", lce, current.LCE)
		}

		next, err := json.Marshal(lceRecord{LCE: lce, Tail: tail})
		if err != nil {
			return fmt.Errorf("epochstore: marshal lce: %w", err)
		}

		_, err = s.conn.Set(path, next, stat.Version)
		if err == nil {
			return nil
		}
		if !isVersionMismatch(err) {
			return fmt.Errorf("epochstore: set lce: %w", err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = minDuration(backoff*2, s.maxBackoff)
	}
	return logerrors.ErrTryAgain
}

// CreateOrUpdateMetadata performs a read-modify-write CAS against the
// epoch-metadata znode, retrying version mismatches with exponential
// backoff up to the configured cap.
func (s *ZKStore) CreateOrUpdateMetadata(ctx context.Context, log types.LogID, update Updater) (*EpochMetadata, error) {
	path := s.metadataPath(log)

	backoff := s.baseBackoff
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		data, stat, err := s.conn.Get(path)
		if err == zk.ErrNoNode {
			if perr := s.provisionLog(log); perr != nil {
				return nil, perr
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epochstore: get metadata: %w", err)
		}

		var current *EpochMetadata
		if len(data) > 0 {
			var m EpochMetadata
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("%w: %v", logerrors.ErrMalformed, err)
			}
			current = &m
		}

		next, err := update(current)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("epochstore: marshal metadata: %w", err)
		}

		_, err = s.conn.Set(path, encoded, stat.Version)
		if err == nil {
			return next, nil
		}
		if !isVersionMismatch(err) {
			return nil, fmt.Errorf("epochstore: set metadata: %w", err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff = minDuration(backoff*2, s.maxBackoff)
	}
	return nil, logerrors.ErrTryAgain
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
