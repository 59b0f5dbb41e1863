// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package upgrade

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/broker/queueindex/record"
	"github.com/stretchr/testify/require"
)

func packV0JournalPublish(seqID uint64, msgID record.MsgID) []byte {
	buf := make([]byte, journalHeaderSize+msgIDSize)
	binary.BigEndian.PutUint64(buf[:8], seqID) // prefix 00 == persistent publish
	copy(buf[8:], msgID[:])
	return buf
}

// TestJournalUpgradeRoundTrip implements P6: a v0 publish record upgraded
// through every step parses, via the current codec, to a record carrying
// the same seq-id and msg-id with every new field at its documented default.
func TestJournalUpgradeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jif")

	var msgID record.MsgID
	copy(msgID[:], "0123456789abcdef")
	rec := packV0JournalPublish(7, msgID)

	data := append([]byte{0}, rec...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, QueueDir(dir))

	upgraded, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, record.CurrentVersion, upgraded[0])

	entries := record.ReadJournal(upgraded[1:])
	require.Len(t, entries, 1)
	require.Equal(t, uint64(7), entries[0].SeqID)
	require.Equal(t, msgID, entries[0].MsgID)
	require.Equal(t, uint64(0), entries[0].Expiry)
	require.Equal(t, uint32(0), entries[0].Size)
	require.Empty(t, entries[0].Embedded)
	require.True(t, entries[0].IsPersistent())
}

func packV0SegPublish(rel uint16, msgID record.MsgID) []byte {
	buf := make([]byte, segHeaderSize+msgIDSize)
	header := uint16(1<<15) | (1 << 14) | (rel & ((1 << 14) - 1)) // persistent publish
	binary.BigEndian.PutUint16(buf[:2], header)
	copy(buf[2:], msgID[:])
	return buf
}

func TestSegmentUpgradeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "3.idx")

	var msgID record.MsgID
	copy(msgID[:], "fedcba9876543210")
	rec := packV0SegPublish(42, msgID)

	data := append([]byte{0}, rec...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, QueueDir(dir))

	upgraded, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, record.CurrentVersion, upgraded[0])

	entries := record.ReadSegment(upgraded[1:])
	require.Len(t, entries, 1)
	require.Equal(t, uint16(42), entries[0].Rel)
	require.Equal(t, msgID, entries[0].MsgID)
	require.Equal(t, uint64(0), entries[0].Expiry)
	require.Equal(t, uint32(0), entries[0].Size)
	require.Empty(t, entries[0].Embedded)
	require.True(t, entries[0].IsPersistent)
}

func TestUpgradeFileSkipsZeroLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jif")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.NoError(t, QueueDir(dir))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)
}
