// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package queueindex

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/broker/queueindex/record"
	"github.com/broker/queueindex/segment"
)

// journalFileName is the append-only file every queue directory holds (§6).
const journalFileName = "journal.jif"

// journalAction is one of the three public mutations that append to the
// journal and update the in-memory overlay (§4.4).
type journalAction uint8

const (
	actionPublish journalAction = iota
	actionDeliver
	actionAck
)

// SyncReason is the return value of (*QueueIndex).NeedsSync (§4.4, §4.6).
type SyncReason string

const (
	SyncNone     SyncReason = ""
	SyncConfirms SyncReason = "confirms"
	SyncOther    SyncReason = "other"
)

// journal wraps the open handle to journal.jif. There is no internal
// locking here by design (§5): the owning queue process serializes all
// calls into a QueueIndex, and thus into its journal.
type journal struct {
	path         string
	f            *os.File
	pendingWrite bool
}

// openJournal opens (creating if needed) the journal file at path, writing
// the version header (SPEC_FULL.md Open Question decision #2) on creation.
func openJournal(path string) (*journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		if _, err := f.Write([]byte{record.CurrentVersion}); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &journal{path: path, f: f}, nil
}

// append writes buf to the tail of the journal file. Callers must append to
// the journal before updating the in-memory overlay (§4.4).
func (j *journal) append(buf []byte) error {
	if _, err := j.f.Write(buf); err != nil {
		return err
	}
	j.pendingWrite = true
	return nil
}

// fsync durably persists the journal file.
func (j *journal) fsync() error {
	if err := j.f.Sync(); err != nil {
		return err
	}
	j.pendingWrite = false
	return nil
}

// truncate drains the journal back to just its version header, used by
// flush once every overlay entry has been written to its segment (§4.6).
func (j *journal) truncate() error {
	if err := j.f.Truncate(0); err != nil {
		return err
	}
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := j.f.Write([]byte{record.CurrentVersion}); err != nil {
		return err
	}
	j.pendingWrite = true
	return nil
}

func (j *journal) close() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// hasPendingWrite reports whether the handle has writes not yet fsync'd,
// used by needsSync's "other" case (§4.4).
func (j *journal) hasPendingWrite() bool {
	return j.pendingWrite
}

// readJournalFile decodes a whole journal.jif from disk, per §6/§4.1. A
// missing file decodes as empty (a fresh queue).
func readJournalFile(path string) ([]record.JournalEntry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	version, body := data[0], data[1:]
	if version > record.CurrentVersion {
		return nil, fmt.Errorf("%w: journal %s has version %d, newer than %d", record.ErrCorruptRecord, path, version, record.CurrentVersion)
	}
	if version < record.CurrentVersion {
		return nil, segment.ErrNeedsUpgrade
	}
	return record.ReadJournal(body), nil
}

// addToJournal applies the legal overlay state transition of §4.4 for a
// single relative sequence slot. Any (existing, action) pair not named by
// the table is a ProgrammerError and panics (§7).
func addToJournal(existing segment.TriState, action journalAction, pub *segment.PubInfo) segment.TriState {
	switch {
	case existing.Empty() && action == actionPublish:
		return segment.TriState{Pub: pub}

	case existing.Empty() && action == actionDeliver:
		return segment.TriState{Del: true}

	case existing.Empty() && action == actionAck:
		return segment.TriState{Ack: true}

	case existing.Pub != nil && !existing.Del && !existing.Ack && action == actionDeliver:
		return segment.TriState{Pub: existing.Pub, Del: true}

	case existing.Pub == nil && existing.Del && !existing.Ack && action == actionAck:
		return segment.TriState{Del: true, Ack: true}

	case existing.Pub != nil && existing.Del && !existing.Ack && action == actionAck:
		return segment.TriState{}

	default:
		panic(fmt.Sprintf("queueindex: illegal overlay transition: existing=%+v action=%d", existing, action))
	}
}
