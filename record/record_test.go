// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package record

import (
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestJournalPublishRoundTrip(t *testing.T) {
	var msgID MsgID
	copy(msgID[:], "0123456789abcdef")
	buf := EncodeJournalPublish(true, 42, msgID, 0, 100, nil)
	entry, n, ok, err := DecodeJournalEntry(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(buf), n)
	require.Equal(t, JournalPublishPersistent, entry.Kind)
	require.Equal(t, uint64(42), entry.SeqID)
	require.Equal(t, msgID, entry.MsgID)
	require.Equal(t, uint32(100), entry.Size)
	require.Empty(t, entry.Embedded)
}

func TestJournalPublishEmbeddedRoundTrip(t *testing.T) {
	var msgID MsgID
	body := []byte("hello, embedded body")
	buf := EncodeJournalPublish(false, 7, msgID, 1234, uint32(len(body)), body)
	entry, n, ok, err := DecodeJournalEntry(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(buf), n)
	require.Equal(t, JournalPublishTransient, entry.Kind)
	require.Equal(t, uint64(1234), entry.Expiry)
	require.Equal(t, body, entry.Embedded)
}

func TestJournalDeliverAckRoundTrip(t *testing.T) {
	d := EncodeJournalDeliver(99)
	entry, n, ok, err := DecodeJournalEntry(d)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, journalHeaderSize, n)
	require.Equal(t, JournalDeliver, entry.Kind)
	require.Equal(t, uint64(99), entry.SeqID)

	a := EncodeJournalAck(99)
	entry, _, ok, err = DecodeJournalEntry(a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, JournalAck, entry.Kind)
}

func TestReadJournalConcatenatesEntries(t *testing.T) {
	var m1, m2 MsgID
	copy(m1[:], "aaaaaaaaaaaaaaaa")
	copy(m2[:], "bbbbbbbbbbbbbbbb")
	var buf []byte
	buf = append(buf, EncodeJournalPublish(true, 0, m1, 0, 100, nil)...)
	buf = append(buf, EncodeJournalPublish(true, 1, m2, 0, 200, nil)...)
	buf = append(buf, EncodeJournalDeliver(0)...)
	buf = append(buf, EncodeJournalAck(0)...)

	entries := ReadJournal(buf)
	require.Len(t, entries, 4)
	require.Equal(t, uint64(0), entries[0].SeqID)
	require.Equal(t, uint64(1), entries[1].SeqID)
	require.Equal(t, JournalDeliver, entries[2].Kind)
	require.Equal(t, JournalAck, entries[3].Kind)
}

func TestReadJournalStopsAtZeroRunTail(t *testing.T) {
	var m1 MsgID
	copy(m1[:], "aaaaaaaaaaaaaaaa")
	buf := EncodeJournalPublish(true, 0, m1, 0, 100, nil)
	buf = append(buf, make([]byte, ZeroRunThreshold+10)...)

	entries := ReadJournal(buf)
	require.Len(t, entries, 1)
}

func TestAllZeroJournalHeadIsEmpty(t *testing.T) {
	// SPEC_FULL.md Open Question decision #1: all-zero head is "empty
	// journal", not a corrupt record or a literal seq-id-0 publish.
	buf := make([]byte, ZeroRunThreshold+5)
	entries := ReadJournal(buf)
	require.Empty(t, entries)
}

func TestSegPublishRoundTrip(t *testing.T) {
	var msgID MsgID
	copy(msgID[:], "1111111111111111")
	buf := EncodeSegPublish(true, 8191, msgID, 55, 10, []byte("xyz"))
	entry, n, ok, err := DecodeSegEntry(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(buf), n)
	require.Equal(t, SegPublish, entry.Kind)
	require.True(t, entry.IsPersistent)
	require.Equal(t, uint16(8191), entry.Rel)
	require.Equal(t, []byte("xyz"), entry.Embedded)
}

func TestSegDeliverOrAckRoundTrip(t *testing.T) {
	buf := EncodeSegDeliverOrAck(16383)
	entry, n, ok, err := DecodeSegEntry(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, segHeaderSize, n)
	require.Equal(t, SegDeliverOrAck, entry.Kind)
	require.Equal(t, uint16(16383), entry.Rel)
}

func TestReadSegmentTwiceWrittenDeliverOrAckMeansAck(t *testing.T) {
	var msgID MsgID
	var buf []byte
	buf = append(buf, EncodeSegPublish(true, 0, msgID, 0, 1, nil)...)
	buf = append(buf, EncodeSegDeliverOrAck(0)...)
	buf = append(buf, EncodeSegDeliverOrAck(0)...)

	entries := ReadSegment(buf)
	require.Len(t, entries, 3)
	require.Equal(t, SegPublish, entries[0].Kind)
	require.Equal(t, SegDeliverOrAck, entries[1].Kind)
	require.Equal(t, SegDeliverOrAck, entries[2].Kind)
}

func TestReadSegmentStopsAtZeroPadTail(t *testing.T) {
	var msgID MsgID
	buf := EncodeSegPublish(true, 1, msgID, 0, 1, nil)
	buf = append(buf, make([]byte, 64)...)

	entries := ReadSegment(buf)
	require.Len(t, entries, 1)
}

func TestFuzzJournalRoundTrip(t *testing.T) {
	fz := fuzz.New().NilChance(0).NumElements(0, 64)
	for i := 0; i < 200; i++ {
		var msgID MsgID
		fz.Fuzz(&msgID)
		var seqID uint64
		fz.Fuzz(&seqID)
		seqID &= (1 << 62) - 1
		var expiry uint64
		fz.Fuzz(&expiry)
		var size uint32
		fz.Fuzz(&size)

		buf := EncodeJournalPublish(i%2 == 0, seqID, msgID, expiry, size, nil)
		entry, n, ok, err := DecodeJournalEntry(buf)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, len(buf), n)
		require.Equal(t, seqID, entry.SeqID)
		require.Equal(t, msgID, entry.MsgID)
		require.Equal(t, expiry, entry.Expiry)
		require.Equal(t, size, entry.Size)
	}
}
