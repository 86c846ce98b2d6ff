package membership

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Observer is invoked with every newly adopted Snapshot.
type Observer func(*Snapshot)

// View is the sole source of truth for routing and copyset selection: a
// read-mostly, atomically swappable snapshot with subscriber notification.
type View struct {
	current atomic.Pointer[Snapshot]

	subsMu sync.Mutex
	subs   []Observer
}

// NewView creates a View seeded with an initial (possibly empty) snapshot.
func NewView(initial *Snapshot) *View {
	v := &View{}
	v.current.Store(initial)
	return v
}

// GetCurrent returns the current snapshot. Cheap: a single atomic load.
func (v *View) GetCurrent() *Snapshot {
	return v.current.Load()
}

// Subscribe registers an observer invoked on every new version. It does not
// fire for the snapshot already current at subscribe time.
func (v *View) Subscribe(obs Observer) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	v.subs = append(v.subs, obs)
}

// ErrVersionMismatch is returned by ApplyUpdate when next does not strictly
// advance the current version.
var ErrVersionMismatch = fmt.Errorf("membership: update version does not strictly advance current version")

// ApplyUpdate validates the version-monotonic invariant and, if it holds,
// atomically swaps in next and notifies subscribers. Used only by the
// configuration-management collaborator that owns cluster membership
// mutation.
func (v *View) ApplyUpdate(next *Snapshot) (*Snapshot, error) {
	cur := v.current.Load()
	if cur != nil && next.Version <= cur.Version {
		return nil, ErrVersionMismatch
	}
	v.current.Store(next)

	v.subsMu.Lock()
	subs := append([]Observer(nil), v.subs...)
	v.subsMu.Unlock()
	for _, obs := range subs {
		obs(next)
	}
	return next, nil
}
