package wire

import (
	"encoding/binary"
	"fmt"

	"logcore/pkg/types"
)

// Deterministic field order: every encoder below writes fields in a single
// fixed order so serialization is reproducible byte-for-byte, per the
// forward-compatibility rule that new optional fields append at the end.

func putUint64(buf []byte, off int, v uint64) int {
	binary.BigEndian.PutUint64(buf[off:], v)
	return off + 8
}

func putUint32(buf []byte, off int, v uint32) int {
	binary.BigEndian.PutUint32(buf[off:], v)
	return off + 4
}

func putBytes(buf *[]byte, v []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	*buf = append(*buf, lenBuf[:]...)
	*buf = append(*buf, v...)
}

func getUint64(buf []byte, off int) (uint64, int, error) {
	if len(buf) < off+8 {
		return 0, 0, fmt.Errorf("wire: truncated uint64 at %d", off)
	}
	return binary.BigEndian.Uint64(buf[off:]), off + 8, nil
}

func getUint32(buf []byte, off int) (uint32, int, error) {
	if len(buf) < off+4 {
		return 0, 0, fmt.Errorf("wire: truncated uint32 at %d", off)
	}
	return binary.BigEndian.Uint32(buf[off:]), off + 4, nil
}

func getBytes(buf []byte, off int) ([]byte, int, error) {
	l, off, err := getUint32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < off+int(l) {
		return nil, 0, fmt.Errorf("wire: truncated bytes at %d", off)
	}
	return buf[off : off+int(l)], off + int(l), nil
}

func lsnBytes(l types.LSN) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], l.Encode())
	return b[:]
}

func parseLSN(buf []byte, off int) (types.LSN, int, error) {
	v, off, err := getUint64(buf, off)
	if err != nil {
		return types.LSN{}, 0, err
	}
	return types.DecodeLSN(v), off, nil
}

// StoreBody is the body of a STORE message carrying one record to one
// destination shard.
type StoreBody struct {
	Log       types.LogID
	LSN       types.LSN
	Timestamp types.TimestampMs
	Flags     types.RecordFlags
	Copyset   []types.ShardID
	Payload   []byte
	Wave      uint32
}

// Encode serializes the STORE body in fixed field order.
func (b StoreBody) Encode() []byte {
	buf := make([]byte, 0, 32+len(b.Payload)+4*len(b.Copyset))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(b.Log))
	buf = append(buf, tmp[:]...)
	buf = append(buf, lsnBytes(b.LSN)...)
	binary.BigEndian.PutUint64(tmp[:], uint64(b.Timestamp))
	buf = append(buf, tmp[:]...)
	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], uint32(b.Flags))
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint32(tmp4[:], uint32(len(b.Copyset)))
	buf = append(buf, tmp4[:]...)
	for _, s := range b.Copyset {
		binary.BigEndian.PutUint32(tmp4[:], uint32(s))
		buf = append(buf, tmp4[:]...)
	}
	putBytes(&buf, b.Payload)
	binary.BigEndian.PutUint32(tmp4[:], b.Wave)
	buf = append(buf, tmp4[:]...)
	return buf
}

// DecodeStoreBody parses a STORE body.
func DecodeStoreBody(buf []byte) (StoreBody, error) {
	var b StoreBody
	off := 0
	v, off, err := getUint64(buf, off)
	if err != nil {
		return b, err
	}
	b.Log = types.LogID(v)
	b.LSN, off, err = parseLSN(buf, off)
	if err != nil {
		return b, err
	}
	v, off, err = getUint64(buf, off)
	if err != nil {
		return b, err
	}
	b.Timestamp = types.TimestampMs(v)
	v32, off, err := getUint32(buf, off)
	if err != nil {
		return b, err
	}
	b.Flags = types.RecordFlags(v32)
	n, off, err := getUint32(buf, off)
	if err != nil {
		return b, err
	}
	b.Copyset = make([]types.ShardID, n)
	for i := range b.Copyset {
		sv, o2, err := getUint32(buf, off)
		if err != nil {
			return b, err
		}
		off = o2
		b.Copyset[i] = types.ShardID(sv)
	}
	b.Payload, off, err = getBytes(buf, off)
	if err != nil {
		return b, err
	}
	b.Wave, off, err = getUint32(buf, off)
	if err != nil {
		return b, err
	}
	_ = off
	return b, nil
}

// StoredStatus enumerates a storage node's response to STORE.
type StoredStatus uint8

const (
	StoredOK StoredStatus = iota
	StoredDisabled
	StoredNoSpc
	StoredChecksumMismatch
	StoredPreempted
	StoredForward
)

// StoredBody is the body of a STORED response.
type StoredBody struct {
	Log             types.LogID
	LSN             types.LSN
	Status          StoredStatus
	PreemptingEpoch types.Epoch // valid iff Status == StoredPreempted
}

// Encode serializes the STORED body.
func (b StoredBody) Encode() []byte {
	buf := make([]byte, 0, 21)
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(b.Log))
	buf = append(buf, tmp8[:]...)
	buf = append(buf, lsnBytes(b.LSN)...)
	buf = append(buf, byte(b.Status))
	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], uint32(b.PreemptingEpoch))
	buf = append(buf, tmp4[:]...)
	return buf
}

// DecodeStoredBody parses a STORED body.
func DecodeStoredBody(buf []byte) (StoredBody, error) {
	var b StoredBody
	off := 0
	v, off, err := getUint64(buf, off)
	if err != nil {
		return b, err
	}
	b.Log = types.LogID(v)
	b.LSN, off, err = parseLSN(buf, off)
	if err != nil {
		return b, err
	}
	if len(buf) < off+1 {
		return b, fmt.Errorf("wire: truncated STORED status")
	}
	b.Status = StoredStatus(buf[off])
	off++
	v32, _, err := getUint32(buf, off)
	if err != nil {
		return b, err
	}
	b.PreemptingEpoch = types.Epoch(v32)
	return b, nil
}

// StartBody is the body of a START read sub-stream request.
type StartBody struct {
	Log      types.LogID
	Epoch    types.Epoch
	StartLSN types.LSN
	SendAll  bool
	Window   uint32
}

// Encode serializes the START body.
func (b StartBody) Encode() []byte {
	buf := make([]byte, 0, 25)
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(b.Log))
	buf = append(buf, tmp8[:]...)
	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], uint32(b.Epoch))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, lsnBytes(b.StartLSN)...)
	sendAll := byte(0)
	if b.SendAll {
		sendAll = 1
	}
	buf = append(buf, sendAll)
	binary.BigEndian.PutUint32(tmp4[:], b.Window)
	buf = append(buf, tmp4[:]...)
	return buf
}

// DecodeStartBody parses a START body.
func DecodeStartBody(buf []byte) (StartBody, error) {
	var b StartBody
	off := 0
	v, off, err := getUint64(buf, off)
	if err != nil {
		return b, err
	}
	b.Log = types.LogID(v)
	v32, off, err := getUint32(buf, off)
	if err != nil {
		return b, err
	}
	b.Epoch = types.Epoch(v32)
	b.StartLSN, off, err = parseLSN(buf, off)
	if err != nil {
		return b, err
	}
	if len(buf) < off+1 {
		return b, fmt.Errorf("wire: truncated START send-all flag")
	}
	b.SendAll = buf[off] != 0
	off++
	b.Window, _, err = getUint32(buf, off)
	if err != nil {
		return b, err
	}
	return b, nil
}

// RecordBody is the body of a RECORD message delivering one record to a
// reader.
type RecordBody struct {
	Log       types.LogID
	LSN       types.LSN
	Timestamp types.TimestampMs
	Flags     types.RecordFlags
	Payload   []byte
}

// Encode serializes the RECORD body.
func (b RecordBody) Encode() []byte {
	buf := make([]byte, 0, 24+len(b.Payload))
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(b.Log))
	buf = append(buf, tmp8[:]...)
	buf = append(buf, lsnBytes(b.LSN)...)
	binary.BigEndian.PutUint64(tmp8[:], uint64(b.Timestamp))
	buf = append(buf, tmp8[:]...)
	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], uint32(b.Flags))
	buf = append(buf, tmp4[:]...)
	putBytes(&buf, b.Payload)
	return buf
}

// DecodeRecordBody parses a RECORD body.
func DecodeRecordBody(buf []byte) (RecordBody, error) {
	var b RecordBody
	off := 0
	v, off, err := getUint64(buf, off)
	if err != nil {
		return b, err
	}
	b.Log = types.LogID(v)
	b.LSN, off, err = parseLSN(buf, off)
	if err != nil {
		return b, err
	}
	v, off, err = getUint64(buf, off)
	if err != nil {
		return b, err
	}
	b.Timestamp = types.TimestampMs(v)
	v32, off, err := getUint32(buf, off)
	if err != nil {
		return b, err
	}
	b.Flags = types.RecordFlags(v32)
	b.Payload, _, err = getBytes(buf, off)
	if err != nil {
		return b, err
	}
	return b, nil
}

// GapBody is the body of a GAP message.
type GapBody struct {
	Log     types.LogID
	Type    types.GapType
	LowLSN  types.LSN
	HighLSN types.LSN
}

// Encode serializes the GAP body.
func (b GapBody) Encode() []byte {
	buf := make([]byte, 0, 25)
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(b.Log))
	buf = append(buf, tmp8[:]...)
	buf = append(buf, byte(b.Type))
	buf = append(buf, lsnBytes(b.LowLSN)...)
	buf = append(buf, lsnBytes(b.HighLSN)...)
	return buf
}

// DecodeGapBody parses a GAP body.
func DecodeGapBody(buf []byte) (GapBody, error) {
	var b GapBody
	off := 0
	v, off, err := getUint64(buf, off)
	if err != nil {
		return b, err
	}
	b.Log = types.LogID(v)
	if len(buf) < off+1 {
		return b, fmt.Errorf("wire: truncated GAP type")
	}
	b.Type = types.GapType(buf[off])
	off++
	b.LowLSN, off, err = parseLSN(buf, off)
	if err != nil {
		return b, err
	}
	b.HighLSN, _, err = parseLSN(buf, off)
	if err != nil {
		return b, err
	}
	return b, nil
}

// WindowBody advances a reader's outstanding byte/record budget.
type WindowBody struct {
	Log    types.LogID
	Credit uint32
}

// Encode serializes the WINDOW body.
func (b WindowBody) Encode() []byte {
	buf := make([]byte, 12)
	off := putUint64(buf, 0, uint64(b.Log))
	putUint32(buf, off, b.Credit)
	return buf
}

// DecodeWindowBody parses a WINDOW body.
func DecodeWindowBody(buf []byte) (WindowBody, error) {
	var b WindowBody
	v, off, err := getUint64(buf, 0)
	if err != nil {
		return b, err
	}
	b.Log = types.LogID(v)
	b.Credit, _, err = getUint32(buf, off)
	return b, err
}

// StopBody is the body of a STOP message, ending a previously STARTed
// read sub-stream.
type StopBody struct {
	Log types.LogID
}

// Encode serializes the STOP body.
func (b StopBody) Encode() []byte {
	buf := make([]byte, 8)
	putUint64(buf, 0, uint64(b.Log))
	return buf
}

// DecodeStopBody parses a STOP body.
func DecodeStopBody(buf []byte) (StopBody, error) {
	var b StopBody
	v, _, err := getUint64(buf, 0)
	if err != nil {
		return b, err
	}
	b.Log = types.LogID(v)
	return b, nil
}

// HelloBody is the body of the handshake-opening HELLO message.
type HelloBody struct {
	ClientID        string
	ProtocolVersion uint16
}

// Encode serializes the HELLO body.
func (b HelloBody) Encode() []byte {
	buf := make([]byte, 0, 6+len(b.ClientID))
	var tmp2 [2]byte
	binary.BigEndian.PutUint16(tmp2[:], b.ProtocolVersion)
	buf = append(buf, tmp2[:]...)
	putBytes(&buf, []byte(b.ClientID))
	return buf
}

// DecodeHelloBody parses a HELLO body.
func DecodeHelloBody(buf []byte) (HelloBody, error) {
	var b HelloBody
	if len(buf) < 2 {
		return b, fmt.Errorf("wire: truncated HELLO protocol version")
	}
	b.ProtocolVersion = binary.BigEndian.Uint16(buf[0:2])
	id, _, err := getBytes(buf, 2)
	if err != nil {
		return b, err
	}
	b.ClientID = string(id)
	return b, nil
}

// AckBody is the body of the handshake-closing ACK message.
type AckBody struct {
	ProtocolVersion uint16
	Accepted        bool
	Reason          string
}

// Encode serializes the ACK body.
func (b AckBody) Encode() []byte {
	buf := make([]byte, 0, 3+len(b.Reason))
	var tmp2 [2]byte
	binary.BigEndian.PutUint16(tmp2[:], b.ProtocolVersion)
	buf = append(buf, tmp2[:]...)
	accepted := byte(0)
	if b.Accepted {
		accepted = 1
	}
	buf = append(buf, accepted)
	putBytes(&buf, []byte(b.Reason))
	return buf
}

// DecodeAckBody parses an ACK body.
func DecodeAckBody(buf []byte) (AckBody, error) {
	var b AckBody
	if len(buf) < 3 {
		return b, fmt.Errorf("wire: truncated ACK")
	}
	b.ProtocolVersion = binary.BigEndian.Uint16(buf[0:2])
	b.Accepted = buf[2] != 0
	reason, _, err := getBytes(buf, 3)
	if err != nil {
		return b, err
	}
	b.Reason = string(reason)
	return b, nil
}
