// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package record implements the bit-exact binary layouts of §4.1: journal
// entries (publish/deliver/ack, keyed by full sequence id) and segment
// entries (publish/deliver-or-ack, keyed by 14-bit relative sequence).
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SegmentEntryCount is the number of consecutive sequence ids covered by one
// segment file. SeqId / SegmentEntryCount is the segment number; SeqId %
// SegmentEntryCount is the 14-bit relative sequence within it.
const SegmentEntryCount = 16384

const (
	// MsgIDSize is the fixed width of a message id, embedded verbatim in both
	// journal and segment publish records.
	MsgIDSize = 16

	journalHeaderSize = 8 // 2-bit kind prefix packed with a 62-bit SeqId
	// PubFixedSize is the size, in bytes, of a journal publish record's
	// fixed-width prefix: header + msg-id + expiry + size + embedded-size.
	// The embedded body itself is variable length and follows.
	PubFixedSize = journalHeaderSize + MsgIDSize + 8 + 4 + 4

	// ZeroRunThreshold is "2 + PUB_RECORD_SIZE_BYTES" from §6: a run of at
	// least this many zero bytes in the journal terminates reading.
	ZeroRunThreshold = 2 + PubFixedSize

	segHeaderSize = 2 // 1-or-2-bit kind prefix packed with is_persistent/rel
	// SegPubFixedSize is the fixed-width prefix of a segment publish record.
	SegPubFixedSize = segHeaderSize + MsgIDSize + 8 + 4 + 4
)

// CurrentVersion is written as a single leading byte on every journal and
// segment file so format upgrades (package upgrade) are idempotent; see
// SPEC_FULL.md Open Question decision #2.
const CurrentVersion byte = 4

// Sentinel errors for the §7 taxonomy. IoError is represented by propagating
// the underlying *os.PathError/*fs.PathError unchanged, per §7.
var (
	ErrCorruptRecord = errors.New("queueindex: corrupt record")
	ErrNeedMoreData  = errors.New("queueindex: record truncated, need more data")
)

// MsgID is a fixed-width opaque message identifier.
type MsgID [MsgIDSize]byte

// JournalKind distinguishes the four journal record shapes of §4.1.
type JournalKind uint8

const (
	JournalPublishPersistent JournalKind = iota
	JournalPublishTransient
	JournalDeliver
	JournalAck
)

// JournalEntry is the decoded form of one journal record.
type JournalEntry struct {
	Kind     JournalKind
	SeqID    uint64
	MsgID    MsgID
	Expiry   uint64 // 0 means "no expiry"
	Size     uint32
	Embedded []byte // nil/empty means "body lives in the external message store"
}

func (e JournalEntry) IsPublish() bool {
	return e.Kind == JournalPublishPersistent || e.Kind == JournalPublishTransient
}

func (e JournalEntry) IsPersistent() bool {
	return e.Kind == JournalPublishPersistent
}

func packPrefixedSeqID(prefix uint8, seqID uint64) uint64 {
	return (uint64(prefix) << 62) | (seqID & ((1 << 62) - 1))
}

func unpackPrefixedSeqID(v uint64) (prefix uint8, seqID uint64) {
	return uint8(v >> 62), v & ((1 << 62) - 1)
}

// EncodeJournalPublish encodes a publish journal record (§4.1, prefix 00/01).
func EncodeJournalPublish(persistent bool, seqID uint64, msgID MsgID, expiry uint64, size uint32, embedded []byte) []byte {
	prefix := uint8(0b00)
	if !persistent {
		prefix = 0b01
	}
	buf := make([]byte, PubFixedSize+len(embedded))
	binary.BigEndian.PutUint64(buf[0:8], packPrefixedSeqID(prefix, seqID))
	copy(buf[8:8+MsgIDSize], msgID[:])
	off := 8 + MsgIDSize
	binary.BigEndian.PutUint64(buf[off:off+8], expiry)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], size)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(embedded)))
	off += 4
	copy(buf[off:], embedded)
	return buf
}

// EncodeJournalDeliver encodes a deliver journal record (§4.1, prefix 10).
func EncodeJournalDeliver(seqID uint64) []byte {
	var buf [journalHeaderSize]byte
	binary.BigEndian.PutUint64(buf[:], packPrefixedSeqID(0b10, seqID))
	return buf[:]
}

// EncodeJournalAck encodes an ack journal record (§4.1, prefix 11).
func EncodeJournalAck(seqID uint64) []byte {
	var buf [journalHeaderSize]byte
	binary.BigEndian.PutUint64(buf[:], packPrefixedSeqID(0b11, seqID))
	return buf[:]
}

// DecodeJournalEntry decodes a single journal entry from the head of buf.
// It returns the number of bytes consumed. A zero-length or all-zero head
// (per SPEC_FULL.md Open Question decision #1) is reported via ok=false with
// a nil error, meaning "treat as empty/end of journal", not ErrCorruptRecord.
func DecodeJournalEntry(buf []byte) (entry JournalEntry, consumed int, ok bool, err error) {
	if len(buf) < journalHeaderSize {
		return JournalEntry{}, 0, false, nil
	}
	if isZeroRun(buf, ZeroRunThreshold) {
		return JournalEntry{}, 0, false, nil
	}
	header := binary.BigEndian.Uint64(buf[0:journalHeaderSize])
	prefix, seqID := unpackPrefixedSeqID(header)

	switch prefix {
	case 0b10:
		return JournalEntry{Kind: JournalDeliver, SeqID: seqID}, journalHeaderSize, true, nil
	case 0b11:
		return JournalEntry{Kind: JournalAck, SeqID: seqID}, journalHeaderSize, true, nil
	case 0b00, 0b01:
		if len(buf) < PubFixedSize {
			return JournalEntry{}, 0, false, ErrNeedMoreData
		}
		off := journalHeaderSize
		var msgID MsgID
		copy(msgID[:], buf[off:off+MsgIDSize])
		off += MsgIDSize
		expiry := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		size := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		embSize := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		if embSize > 0 {
			if len(buf) < off+int(embSize) {
				return JournalEntry{}, 0, false, ErrNeedMoreData
			}
		}
		var embedded []byte
		if embSize > 0 {
			embedded = append([]byte(nil), buf[off:off+int(embSize)]...)
			off += int(embSize)
		}
		kind := JournalPublishPersistent
		if prefix == 0b01 {
			kind = JournalPublishTransient
		}
		return JournalEntry{
			Kind: kind, SeqID: seqID, MsgID: msgID, Expiry: expiry, Size: size, Embedded: embedded,
		}, off, true, nil
	default:
		return JournalEntry{}, 0, false, fmt.Errorf("%w: unknown journal prefix %02b", ErrCorruptRecord, prefix)
	}
}

// isZeroRun reports whether the first n bytes of buf (or all of buf, if
// shorter than n) are all zero. Used both for the journal's explicit
// zero-run-terminates-reading rule and Open Question decision #1.
func isZeroRun(buf []byte, n int) bool {
	if len(buf) < n {
		n = len(buf)
	}
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if buf[i] != 0 {
			return false
		}
	}
	return true
}

// ReadJournal decodes a whole journal file's contents in order, stopping at
// the first corrupt record, short/torn tail, or zero-pad run — everything
// decoded before that point is retained (§7 CorruptRecord policy).
func ReadJournal(data []byte) []JournalEntry {
	var out []JournalEntry
	off := 0
	for off < len(data) {
		entry, n, ok, err := DecodeJournalEntry(data[off:])
		if err != nil || !ok {
			break
		}
		out = append(out, entry)
		off += n
	}
	return out
}

// SegKind distinguishes the two segment record shapes of §4.1.
type SegKind uint8

const (
	SegPublish SegKind = iota
	SegDeliverOrAck
)

// SegEntry is the decoded form of one segment record.
type SegEntry struct {
	Kind         SegKind
	Rel          uint16 // 14-bit relative sequence
	IsPersistent bool
	MsgID        MsgID
	Expiry       uint64
	Size         uint32
	Embedded     []byte
}

func packSegHeader(isPublish, isPersistent bool, rel uint16) uint16 {
	rel &= (1 << 14) - 1
	if isPublish {
		var p uint16
		if isPersistent {
			p = 1
		}
		return (1 << 15) | (p << 14) | rel
	}
	return (1 << 14) | rel
}

// EncodeSegPublish encodes a segment publish record (§4.1, prefix 1).
func EncodeSegPublish(isPersistent bool, rel uint16, msgID MsgID, expiry uint64, size uint32, embedded []byte) []byte {
	buf := make([]byte, SegPubFixedSize+len(embedded))
	binary.BigEndian.PutUint16(buf[0:2], packSegHeader(true, isPersistent, rel))
	copy(buf[2:2+MsgIDSize], msgID[:])
	off := 2 + MsgIDSize
	binary.BigEndian.PutUint64(buf[off:off+8], expiry)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], size)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(embedded)))
	off += 4
	copy(buf[off:], embedded)
	return buf
}

// EncodeSegDeliverOrAck encodes a segment deliver-or-ack record (§4.1, prefix
// 01). Appearing twice for the same rel marks that rel as ack'd.
func EncodeSegDeliverOrAck(rel uint16) []byte {
	var buf [segHeaderSize]byte
	binary.BigEndian.PutUint16(buf[:], packSegHeader(false, false, rel))
	return buf[:]
}

// DecodeSegEntry decodes a single segment entry from the head of buf. ok is
// false when buf's head does not match either known kind, which per §4.1 is
// the dirty-shutdown zero-pad tail convention: parsing stops there rather
// than failing.
func DecodeSegEntry(buf []byte) (entry SegEntry, consumed int, ok bool, err error) {
	if len(buf) < segHeaderSize {
		return SegEntry{}, 0, false, nil
	}
	header := binary.BigEndian.Uint16(buf[0:segHeaderSize])
	switch {
	case header&(1<<15) != 0: // Publish
		isPersistent := header&(1<<14) != 0
		rel := header & ((1 << 14) - 1)
		if len(buf) < SegPubFixedSize {
			return SegEntry{}, 0, false, ErrNeedMoreData
		}
		off := segHeaderSize
		var msgID MsgID
		copy(msgID[:], buf[off:off+MsgIDSize])
		off += MsgIDSize
		expiry := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		size := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		embSize := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		if isZeroRun(buf[2:off], off-2) && embSize == 0 {
			// All-zero body beyond the prefix: dirty-shutdown tail padding.
			return SegEntry{}, 0, false, nil
		}
		if embSize > 0 {
			if len(buf) < off+int(embSize) {
				return SegEntry{}, 0, false, ErrNeedMoreData
			}
		}
		var embedded []byte
		if embSize > 0 {
			embedded = append([]byte(nil), buf[off:off+int(embSize)]...)
			off += int(embSize)
		}
		return SegEntry{
			Kind: SegPublish, Rel: rel, IsPersistent: isPersistent,
			MsgID: msgID, Expiry: expiry, Size: size, Embedded: embedded,
		}, off, true, nil
	case header&(1<<14) != 0: // Deliver-or-Ack: prefix exactly "01"
		rel := header & ((1 << 14) - 1)
		return SegEntry{Kind: SegDeliverOrAck, Rel: rel}, segHeaderSize, true, nil
	default:
		// Prefix "00": unrecognized, treated as end-of-valid-data.
		return SegEntry{}, 0, false, nil
	}
}

// ReadSegment decodes a whole segment file's contents in order, stopping at
// EOF or the first unrecognized/corrupt record (§7).
func ReadSegment(data []byte) []SegEntry {
	var out []SegEntry
	off := 0
	for off < len(data) {
		entry, n, ok, err := DecodeSegEntry(data[off:])
		if err != nil || !ok {
			break
		}
		out = append(out, entry)
		off += n
	}
	return out
}
