package dataserver

import (
	"bufio"
	"net"
	"testing"
	"time"

	"logcore/pkg/types"
	"logcore/pkg/wire"
)

// memStore is a minimal in-memory LocalStore double, avoiding a dependency
// on localstore.Store's WAL for these handler-level tests.
type memStore struct {
	records map[types.LogID][]types.Record
	trim    map[types.LogID]types.LSN
}

func newMemStore() *memStore {
	return &memStore{records: make(map[types.LogID][]types.Record), trim: make(map[types.LogID]types.LSN)}
}

func (m *memStore) Append(log types.LogID, rec types.Record) error {
	m.records[log] = append(m.records[log], rec)
	return nil
}

func (m *memStore) ReadNext(log types.LogID, after types.LSN) (types.Record, bool, error) {
	var best *types.Record
	for i, rec := range m.records[log] {
		if !after.Less(rec.LSN) {
			continue
		}
		if best == nil || rec.LSN.Less(best.LSN) {
			best = &m.records[log][i]
		}
	}
	if best == nil {
		return types.Record{}, false, nil
	}
	return *best, true, nil
}

func (m *memStore) TrimPoint(log types.LogID) (types.LSN, error) {
	return m.trim[log], nil
}

func dialHandler(t *testing.T, store LocalStore) (net.Conn, func()) {
	t.Helper()
	server, client := net.Pipe()
	h := newConnHandler(server, store, nil, HealthConfig{})
	go h.run()
	return client, func() { client.Close() }
}

func handshake(t *testing.T, conn net.Conn, r *bufio.Reader) {
	t.Helper()
	hello := wire.HelloBody{ClientID: "test", ProtocolVersion: wire.ProtocolVersion}
	if _, err := wire.NewFrame(wire.MsgHELLO, 1, hello.Encode()).WriteTo(conn); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack, err := wire.ReadFrame(r)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Header.Type != wire.MsgACK {
		t.Fatalf("expected ACK, got %s", ack.Header.Type)
	}
	body, err := wire.DecodeAckBody(ack.Body)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !body.Accepted {
		t.Fatalf("expected handshake accepted, got reason %q", body.Reason)
	}
}

func TestStoreThenStoredRoundTrip(t *testing.T) {
	store := newMemStore()
	conn, closeFn := dialHandler(t, store)
	defer closeFn()
	r := bufio.NewReader(conn)
	handshake(t, conn, r)

	sb := wire.StoreBody{Log: 1, LSN: types.LSN{Epoch: 1, ESN: 1}, Payload: []byte("hi")}
	if _, err := wire.NewFrame(wire.MsgStore, 2, sb.Encode()).WriteTo(conn); err != nil {
		t.Fatalf("write store: %v", err)
	}

	resp, err := wire.ReadFrame(r)
	if err != nil {
		t.Fatalf("read stored: %v", err)
	}
	if resp.Header.Type != wire.MsgStored || resp.Header.Cookie != 2 {
		t.Fatalf("unexpected response header: %+v", resp.Header)
	}
	stored, err := wire.DecodeStoredBody(resp.Body)
	if err != nil {
		t.Fatalf("decode stored: %v", err)
	}
	if stored.Status != wire.StoredOK {
		t.Fatalf("expected StoredOK, got %v", stored.Status)
	}
	if len(store.records[1]) != 1 {
		t.Fatalf("expected record to be appended, got %d", len(store.records[1]))
	}
}

func TestStartPushesRecordThenAcceptsStop(t *testing.T) {
	store := newMemStore()
	store.records[5] = []types.Record{{Log: 5, LSN: types.LSN{Epoch: 1, ESN: 1}, Payload: []byte("r1")}}
	conn, closeFn := dialHandler(t, store)
	defer closeFn()
	r := bufio.NewReader(conn)
	handshake(t, conn, r)

	startBody := wire.StartBody{Log: 5, StartLSN: types.LSNInvalid, SendAll: true, Window: 10}
	if _, err := wire.NewFrame(wire.MsgStart, 3, startBody.Encode()).WriteTo(conn); err != nil {
		t.Fatalf("write start: %v", err)
	}

	started, err := wire.ReadFrame(r)
	if err != nil {
		t.Fatalf("read started: %v", err)
	}
	if started.Header.Type != wire.MsgStarted {
		t.Fatalf("expected STARTED, got %s", started.Header.Type)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	record, err := wire.ReadFrame(r)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if record.Header.Type != wire.MsgRecord {
		t.Fatalf("expected RECORD, got %s", record.Header.Type)
	}
	rb, err := wire.DecodeRecordBody(record.Body)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if string(rb.Payload) != "r1" {
		t.Fatalf("unexpected payload %q", rb.Payload)
	}

	stopBody := wire.StopBody{Log: 5}
	if _, err := wire.NewFrame(wire.MsgStop, 4, stopBody.Encode()).WriteTo(conn); err != nil {
		t.Fatalf("write stop: %v", err)
	}
}
