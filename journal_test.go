// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package queueindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/broker/queueindex/record"
	"github.com/broker/queueindex/segment"
	"github.com/stretchr/testify/require"
)

func TestAddToJournalTransitions(t *testing.T) {
	pub := &segment.PubInfo{Size: 1}

	s := addToJournal(segment.TriState{}, actionPublish, pub)
	require.Equal(t, pub, s.Pub)
	require.False(t, s.Del)
	require.False(t, s.Ack)

	s = addToJournal(s, actionDeliver, nil)
	require.Equal(t, pub, s.Pub)
	require.True(t, s.Del)
	require.False(t, s.Ack)

	s = addToJournal(s, actionAck, nil)
	require.True(t, s.Empty())
}

func TestAddToJournalBareDeliverThenAck(t *testing.T) {
	s := addToJournal(segment.TriState{}, actionDeliver, nil)
	require.True(t, s.Del)
	require.Nil(t, s.Pub)

	s = addToJournal(s, actionAck, nil)
	require.True(t, s.Del)
	require.True(t, s.Ack)
	require.Nil(t, s.Pub)
}

func TestAddToJournalIllegalTransitionPanics(t *testing.T) {
	pub := &segment.PubInfo{}
	require.Panics(t, func() {
		// Published but not yet delivered: acking directly is illegal.
		addToJournal(segment.TriState{Pub: pub}, actionAck, nil)
	})
}

func TestJournalAppendFsyncTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jif")
	j, err := openJournal(path)
	require.NoError(t, err)
	defer j.close()

	require.NoError(t, j.append(record.EncodeJournalDeliver(5)))
	require.True(t, j.hasPendingWrite())
	require.NoError(t, j.fsync())
	require.False(t, j.hasPendingWrite())

	entries, err := readJournalFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(5), entries[0].SeqID)

	require.NoError(t, j.truncate())
	entries, err = readJournalFile(path)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReadJournalFileMissingIsEmpty(t *testing.T) {
	entries, err := readJournalFile(filepath.Join(t.TempDir(), "journal.jif"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReadJournalFileNewerVersionIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jif")
	j, err := openJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.close())

	data := []byte{record.CurrentVersion + 1}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = readJournalFile(path)
	require.ErrorIs(t, err, record.ErrCorruptRecord)
}

func TestReadJournalFileOlderVersionNeedsUpgrade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jif")
	require.NoError(t, os.WriteFile(path, []byte{record.CurrentVersion - 1}, 0o644))

	_, err := readJournalFile(path)
	require.ErrorIs(t, err, segment.ErrNeedsUpgrade)
}
