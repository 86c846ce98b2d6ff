package wire

import (
	"reflect"
	"testing"

	"logcore/pkg/types"
)

func TestStoreBodyRoundTrip(t *testing.T) {
	want := StoreBody{
		Log:       7,
		LSN:       types.LSN{Epoch: 3, ESN: 9},
		Timestamp: 1000,
		Flags:     types.RecordFlagBridge,
		Copyset:   []types.ShardID{1, 2, 3},
		Payload:   []byte("payload"),
		Wave:      2,
	}
	got, err := DecodeStoreBody(want.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestStoredBodyRoundTrip(t *testing.T) {
	want := StoredBody{Log: 7, LSN: types.LSN{Epoch: 1, ESN: 1}, Status: StoredPreempted, PreemptingEpoch: 5}
	got, err := DecodeStoredBody(want.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want != got {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestStartBodyRoundTrip(t *testing.T) {
	want := StartBody{Log: 42, Epoch: 2, StartLSN: types.LSN{Epoch: 2, ESN: 10}, SendAll: true, Window: 64}
	got, err := DecodeStartBody(want.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want != got {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestRecordBodyRoundTrip(t *testing.T) {
	want := RecordBody{Log: 1, LSN: types.LSN{Epoch: 1, ESN: 5}, Timestamp: 500, Flags: types.RecordFlagHole, Payload: []byte("x")}
	got, err := DecodeRecordBody(want.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestGapBodyRoundTrip(t *testing.T) {
	want := GapBody{Log: 1, Type: types.GapTrim, LowLSN: types.LSN{Epoch: 1, ESN: 1}, HighLSN: types.LSN{Epoch: 1, ESN: 10}}
	got, err := DecodeGapBody(want.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want != got {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestWindowBodyRoundTrip(t *testing.T) {
	want := WindowBody{Log: 9, Credit: 128}
	got, err := DecodeWindowBody(want.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want != got {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestStopBodyRoundTrip(t *testing.T) {
	want := StopBody{Log: 9}
	got, err := DecodeStopBody(want.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want != got {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestHelloAckBodyRoundTrip(t *testing.T) {
	wantHello := HelloBody{ClientID: "reader-1", ProtocolVersion: ProtocolVersion}
	gotHello, err := DecodeHelloBody(wantHello.Encode())
	if err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if wantHello != gotHello {
		t.Fatalf("round trip mismatch: want %+v got %+v", wantHello, gotHello)
	}

	wantAck := AckBody{ProtocolVersion: ProtocolVersion, Accepted: false, Reason: "unsupported protocol version"}
	gotAck, err := DecodeAckBody(wantAck.Encode())
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if wantAck != gotAck {
		t.Fatalf("round trip mismatch: want %+v got %+v", wantAck, gotAck)
	}
}
