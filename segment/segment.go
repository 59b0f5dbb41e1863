// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements on-disk segment-file I/O (C3): loading a
// segment file into a sparse, rel-keyed tri-state array, appending
// newly-flushed overlay records, and deleting fully-acked segment files.
package segment

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/broker/queueindex/record"
)

// PubInfo is the "publish happened" half of a tri-state slot (§3).
type PubInfo struct {
	IsPersistent bool
	MsgID        record.MsgID
	Expiry       uint64
	Size         uint32
	Embedded     []byte
}

// TriState is the canonical in-memory representation of one relative
// sequence slot (§3): (pub_state, del_state, ack_state).
type TriState struct {
	Pub *PubInfo
	Del bool
	Ack bool
}

// Empty reports whether the slot carries no information at all, i.e. it
// should not be stored in the sparse array/overlay.
func (t TriState) Empty() bool {
	return t.Pub == nil && !t.Del && !t.Ack
}

// Array is the sparse fixed-size array of length record.SegmentEntryCount
// described in §3/§9. A Go map trades the ~128KiB dense-array cost per live
// segment for slower iteration, which the design notes call out as an
// acceptable implementer choice; segments are touched by a handful of
// relative sequences at a time in the common case so the map wins here.
type Array map[uint16]TriState

// ErrNeedsUpgrade is returned by Load when the file's version header is
// older than record.CurrentVersion; the caller is expected to run it
// through package upgrade first (SPEC_FULL.md Open Question decision #2).
var ErrNeedsUpgrade = errors.New("queueindex: segment file needs upgrading")

// Load reads the segment file at path and returns its sparse tri-state
// array plus the unacked count implied purely by the file's own contents
// (§4.3). A missing file is treated as an empty segment (§7 MissingFile),
// not an error.
//
// If keepAcked is false (a normal read), the second deliver-or-ack record
// for a rel resets that slot to empty. If true (recovery), the ack'd state
// is preserved so journal_minus_segment can identify duplicates.
func Load(path string, keepAcked bool) (Array, int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Array{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if len(data) == 0 {
		return Array{}, 0, nil
	}
	version, body := data[0], data[1:]
	if version > record.CurrentVersion {
		return nil, 0, fmt.Errorf("%w: segment %s has version %d, newer than %d", record.ErrCorruptRecord, path, version, record.CurrentVersion)
	}
	if version < record.CurrentVersion {
		return nil, 0, ErrNeedsUpgrade
	}

	arr := Array{}
	for _, e := range record.ReadSegment(body) {
		switch e.Kind {
		case record.SegPublish:
			arr[e.Rel] = TriState{Pub: &PubInfo{
				IsPersistent: e.IsPersistent,
				MsgID:        e.MsgID,
				Expiry:       e.Expiry,
				Size:         e.Size,
				Embedded:     e.Embedded,
			}}
		case record.SegDeliverOrAck:
			ts := arr[e.Rel]
			switch {
			case !ts.Del:
				ts.Del = true
				arr[e.Rel] = ts
			case keepAcked:
				ts.Ack = true
				arr[e.Rel] = ts
			default:
				delete(arr, e.Rel)
			}
		}
	}

	unacked := 0
	for _, ts := range arr {
		if ts.Pub != nil && !ts.Ack {
			unacked++
		}
	}
	return arr, unacked, nil
}

// AppendOverlay writes every occupied slot of overlay to the segment file at
// path, in ascending rel order, as at most a publish record followed by one
// or two deliver-or-ack records (§4.3). isNewSegment must be true when the
// file has never been written before in this process's lifetime (not merely
// "does not currently exist" — see the skip rule below); a pure
// (pub,del,ack) overlay slot landing on a brand new segment produces no
// output at all, since a published-delivered-acked message that never
// touched disk need not be written.
func AppendOverlay(path string, isNewSegment bool, overlay Array) error {
	if len(overlay) == 0 {
		return nil
	}
	rels := make([]uint16, 0, len(overlay))
	for rel := range overlay {
		rels = append(rels, rel)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i] < rels[j] })

	var buf []byte
	for _, rel := range rels {
		ts := overlay[rel]
		if ts.Empty() {
			continue
		}
		if isNewSegment && ts.Pub != nil && ts.Del && ts.Ack {
			continue
		}
		if ts.Pub != nil {
			buf = append(buf, record.EncodeSegPublish(ts.Pub.IsPersistent, rel, ts.Pub.MsgID, ts.Pub.Expiry, ts.Pub.Size, ts.Pub.Embedded)...)
		}
		if ts.Del {
			buf = append(buf, record.EncodeSegDeliverOrAck(rel)...)
		}
		if ts.Ack {
			buf = append(buf, record.EncodeSegDeliverOrAck(rel)...)
		}
	}
	if len(buf) == 0 {
		return nil
	}

	needsHeader := isNewSegment
	if !needsHeader {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			needsHeader = true
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if needsHeader {
		if _, err := f.Write([]byte{record.CurrentVersion}); err != nil {
			return err
		}
	}
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

// Delete removes the segment file at path if it exists (§I3: a segment file
// is deleted as soon as unacked=0 after a flush).
func Delete(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Exists reports whether a segment file is currently present on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
