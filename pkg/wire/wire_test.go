package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	body := []byte("hello world")
	f := NewFrame(MsgStore, 42, body)

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Header.Type != MsgStore || got.Header.Cookie != 42 {
		t.Fatalf("unexpected header: %+v", got.Header)
	}
	if !bytes.Equal(got.Body, body) {
		t.Fatalf("body mismatch: got %q want %q", got.Body, body)
	}
}

func TestFrameEmptyBody(t *testing.T) {
	f := NewFrame(MsgStarted, 1, nil)
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(got.Body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(got.Body))
	}
}

func TestReadFrameRejectsCorruptChecksum(t *testing.T) {
	f := NewFrame(MsgStore, 1, []byte("payload"))
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // corrupt last body byte without touching the header

	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw))); err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	hdr := make([]byte, headerSize)
	hdr[0] = 0xFF // TotalLen byte 0: forces a length far beyond maxFrameLen
	hdr[1] = 0xFF
	hdr[2] = 0xFF
	hdr[3] = 0xFF
	hdr[4] = byte(MsgStore)

	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader(hdr))); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestAllowedPreHandshake(t *testing.T) {
	if !AllowedPreHandshake(MsgHELLO) || !AllowedPreHandshake(MsgACK) {
		t.Fatal("expected HELLO and ACK allowed pre-handshake")
	}
	if AllowedPreHandshake(MsgStore) {
		t.Fatal("expected STORE to require a completed handshake")
	}
}

func TestMsgTypeString(t *testing.T) {
	if MsgStore.String() != "STORE" {
		t.Fatalf("unexpected MsgType string: %q", MsgStore.String())
	}
	if got := MsgType(200).String(); got == "" {
		t.Fatalf("expected a fallback string for unknown MsgType, got %q", got)
	}
}
