package storagenode

import (
	"context"
	"testing"

	"logcore/pkg/types"
)

type fakeStore struct {
	trim types.LSN
	recs []types.Record
}

func (f *fakeStore) TrimPoint(log types.LogID) (types.LSN, error) { return f.trim, nil }

func (f *fakeStore) ReadNext(log types.LogID, after types.LSN) (types.Record, bool, error) {
	for _, r := range f.recs {
		if after.Less(r.LSN) {
			return r, true, nil
		}
	}
	return types.Record{}, false, nil
}

func TestSessionDeliversInOrder(t *testing.T) {
	store := &fakeStore{
		recs: []types.Record{
			{LSN: types.LSN{Epoch: 1, ESN: 1}, Payload: []byte("a")},
			{LSN: types.LSN{Epoch: 1, ESN: 2}, Payload: []byte("b")},
		},
	}
	sess := NewSession(store, nil, StartRequest{Log: 1, StartLSN: types.LSNOldest, SendAll: true})

	out, ok, err := sess.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if out.Record == nil || out.Record.LSN != (types.LSN{Epoch: 1, ESN: 1}) {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	out, ok, err = sess.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if out.Record == nil || out.Record.LSN != (types.LSN{Epoch: 1, ESN: 2}) {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	_, ok, _ = sess.Next(context.Background())
	if ok {
		t.Fatalf("expected ok=false at end of store")
	}
}

func TestSessionEmitsTrimGap(t *testing.T) {
	store := &fakeStore{trim: types.LSN{Epoch: 1, ESN: 5}}
	sess := NewSession(store, nil, StartRequest{Log: 1, StartLSN: types.LSNOldest, SendAll: true})

	out, ok, err := sess.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if out.Gap == nil || out.Gap.Type != types.GapTrim {
		t.Fatalf("expected trim gap, got %+v", out)
	}
}

func TestSessionNonActiveDropsPayload(t *testing.T) {
	store := &fakeStore{recs: []types.Record{{LSN: types.LSN{Epoch: 1, ESN: 1}, Payload: []byte("x")}}}
	sess := NewSession(store, nil, StartRequest{Log: 1, StartLSN: types.LSNOldest, SendAll: false})

	out, ok, err := sess.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if out.Record.Payload != nil {
		t.Fatalf("expected nil payload for non-active copy, got %v", out.Record.Payload)
	}
}

func TestSessionWindowBackpressure(t *testing.T) {
	store := &fakeStore{recs: []types.Record{
		{LSN: types.LSN{Epoch: 1, ESN: 1}},
		{LSN: types.LSN{Epoch: 1, ESN: 2}},
	}}
	sess := NewSession(store, nil, StartRequest{Log: 1, StartLSN: types.LSNOldest, SendAll: true, Window: 1})

	_, ok, err := sess.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	_, ok, _ = sess.Next(context.Background())
	if ok {
		t.Fatalf("expected credit exhaustion to stop delivery")
	}

	sess.Window(1)
	_, ok, err = sess.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected delivery after window replenished: ok=%v err=%v", ok, err)
	}
}
