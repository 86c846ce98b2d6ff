// Package wire implements the length-prefixed binary message framing used
// between clients, sequencers and storage nodes. Framing follows the
// byte-level style of the teacher's WAL entry encoder: fixed-order fields,
// explicit length prefixes, no reflection.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// MsgType enumerates the wire protocol's required message families.
type MsgType uint8

const (
	MsgHELLO MsgType = iota + 1
	MsgACK
	MsgGetSeqState
	MsgAppend
	MsgAppended
	MsgStore
	MsgStored
	MsgRelease
	MsgStart
	MsgStarted
	MsgRecord
	MsgGap
	MsgWindow
	MsgStop
	MsgConfigFetch
	MsgConfigChanged
	MsgGossip
	MsgNodeStats
)

func (t MsgType) String() string {
	names := map[MsgType]string{
		MsgHELLO: "HELLO", MsgACK: "ACK", MsgGetSeqState: "GET_SEQ_STATE",
		MsgAppend: "APPEND", MsgAppended: "APPENDED", MsgStore: "STORE",
		MsgStored: "STORED", MsgRelease: "RELEASE", MsgStart: "START",
		MsgStarted: "STARTED", MsgRecord: "RECORD", MsgGap: "GAP",
		MsgWindow: "WINDOW", MsgStop: "STOP", MsgConfigFetch: "CONFIG_FETCH",
		MsgConfigChanged: "CONFIG_CHANGED", MsgGossip: "GOSSIP",
		MsgNodeStats: "NODE_STATS",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("MsgType(%d)", t)
}

// ProtocolVersion is the current wire protocol version carried in HELLO.
const ProtocolVersion uint16 = 1

// MinSupportedVersion is the oldest protocol version this build accepts.
const MinSupportedVersion uint16 = 1

// preHandshake holds the message types allowed before HELLO/ACK completes.
var preHandshake = map[MsgType]bool{MsgHELLO: true, MsgACK: true}

// AllowedPreHandshake reports whether t may be sent before the handshake
// completes.
func AllowedPreHandshake(t MsgType) bool { return preHandshake[t] }

// Header is the fixed-order frame header: total length (including header),
// message type, a CRC32 checksum over the body, and an opaque cookie
// used to correlate request/response pairs.
type Header struct {
	TotalLen uint32
	Type     MsgType
	Checksum uint32
	Cookie   uint64
}

const headerSize = 4 + 1 + 4 + 8

// Frame is one framed wire message: header plus body bytes.
type Frame struct {
	Header Header
	Body   []byte
}

// NewFrame builds a frame over body, computing the checksum and total
// length.
func NewFrame(t MsgType, cookie uint64, body []byte) Frame {
	return Frame{
		Header: Header{
			TotalLen: uint32(headerSize + len(body)),
			Type:     t,
			Checksum: crc32.ChecksumIEEE(body),
			Cookie:   cookie,
		},
		Body: body,
	}
}

// WriteTo serializes the frame in fixed field order: total_len, type,
// checksum, cookie, body.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], f.Header.TotalLen)
	buf[4] = byte(f.Header.Type)
	binary.BigEndian.PutUint32(buf[5:9], f.Header.Checksum)
	binary.BigEndian.PutUint64(buf[9:17], f.Header.Cookie)

	n1, err := w.Write(buf)
	if err != nil {
		return int64(n1), fmt.Errorf("wire: write header: %w", err)
	}
	n2, err := w.Write(f.Body)
	if err != nil {
		return int64(n1 + n2), fmt.Errorf("wire: write body: %w", err)
	}
	return int64(n1 + n2), nil
}

// maxFrameLen bounds a single frame to guard against a corrupt length
// prefix causing an unbounded allocation.
const maxFrameLen = 64 << 20

// ReadFrame reads one frame from r. It verifies the body checksum and
// returns ErrChecksumMismatch if it does not match.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}

	totalLen := binary.BigEndian.Uint32(hdr[0:4])
	if totalLen < headerSize || totalLen > maxFrameLen {
		return Frame{}, fmt.Errorf("wire: invalid frame length %d", totalLen)
	}

	f := Frame{Header: Header{
		TotalLen: totalLen,
		Type:     MsgType(hdr[4]),
		Checksum: binary.BigEndian.Uint32(hdr[5:9]),
		Cookie:   binary.BigEndian.Uint64(hdr[9:17]),
	}}

	bodyLen := totalLen - headerSize
	f.Body = make([]byte, bodyLen)
	if _, err := io.ReadFull(r, f.Body); err != nil {
		return Frame{}, err
	}

	if crc32.ChecksumIEEE(f.Body) != f.Header.Checksum {
		return Frame{}, ErrChecksumMismatch
	}

	return f, nil
}

// ErrChecksumMismatch indicates the body checksum did not match the header.
var ErrChecksumMismatch = fmt.Errorf("wire: checksum mismatch")
