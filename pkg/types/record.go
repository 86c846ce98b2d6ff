package types

import "hash/crc32"

// Record is one entry in a log: the unit the Sequencer assigns an LSN to,
// the Write Coordinator replicates, and the Read Stream delivers.
type Record struct {
	Log       LogID
	LSN       LSN
	Timestamp TimestampMs
	Flags     RecordFlags
	Payload   []byte
	// Keys are optional secondary attributes used by filtered reads
	// (key-based trimming, payload-group addressing).
	Keys map[int]string
	// Counters are optional named counters carried alongside the payload.
	Counters map[string]int64
}

// Checksum computes the CRC32 checksum bits over the payload, matching the
// "checksum bits" field of the wire record.
func (r Record) Checksum() uint32 {
	return crc32.ChecksumIEEE(r.Payload)
}

// IsBridge reports whether the record marks an epoch-boundary hole.
func (r Record) IsBridge() bool { return r.Flags.Has(RecordFlagBridge) }

// IsHole reports whether the record is a synthetic hole (no payload ever
// written for this LSN).
func (r Record) IsHole() bool { return r.Flags.Has(RecordFlagHole) }

// GapType enumerates the reasons a reader may receive a gap instead of a
// record.
type GapType int

const (
	GapBridge GapType = iota
	GapHole
	GapAccess
	GapTrim
	GapDataLoss
	GapFilteredOut
)

func (g GapType) String() string {
	switch g {
	case GapBridge:
		return "BRIDGE"
	case GapHole:
		return "HOLE"
	case GapAccess:
		return "ACCESS"
	case GapTrim:
		return "TRIM"
	case GapDataLoss:
		return "DATALOSS"
	case GapFilteredOut:
		return "FILTERED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Gap describes a range of LSNs the reader will never receive records for.
type Gap struct {
	Log     LogID
	Type    GapType
	LowLSN  LSN
	HighLSN LSN
}
