// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package queueindex

import (
	"fmt"
	"path/filepath"

	"github.com/benbjohnson/immutable"
	"github.com/broker/queueindex/record"
	"github.com/broker/queueindex/segment"
)

// segState is the in-memory segment state of §3: the segment's pending
// overlay (journal_entries) and its running unacked count. Segments not yet
// present on disk and not yet touched get one of these lazily, with an
// empty overlay and unacked=0 — the backing file itself is opened lazily by
// package segment only when actually flushed or read.
type segState struct {
	num      uint32
	path     string
	overlay  segment.Array
	unacked  int
	everSeen bool // true once this process has appended anything to the file
}

// segmentStore maintains the set of segments currently materialized in
// memory (C2): an immutable.SortedMap from segment number to segState, the
// same data structure the teacher's WAL keeps its segment list in, plus a
// small MRU list of the two most recently touched segment numbers. The MRU
// list is advisory only — map lookups are already cheap — and mirrors the
// spec's explicit mention of a small hot-path cache; it is updated on every
// find/store but no lookup currently reads it.
type segmentStore struct {
	dir string
	m   *immutable.SortedMap[uint32, *segState]
	mru []uint32
}

func newSegmentStore(dir string) *segmentStore {
	return &segmentStore{
		dir: dir,
		m:   immutable.NewSortedMap[uint32, *segState](nil),
	}
}

func (s *segmentStore) pathFor(num uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.idx", num))
}

// find returns the segment state for num, creating a blank one on first
// access (§4.2).
func (s *segmentStore) find(num uint32) *segState {
	if st, ok := s.m.Get(num); ok {
		s.touch(num)
		return st
	}
	st := &segState{num: num, path: s.pathFor(num), overlay: segment.Array{}}
	s.m = s.m.Set(num, st)
	s.touch(num)
	return st
}

// peek returns the segment state for num without creating it.
func (s *segmentStore) peek(num uint32) (*segState, bool) {
	return s.m.Get(num)
}

func (s *segmentStore) store(st *segState) {
	s.m = s.m.Set(st.num, st)
	s.touch(st.num)
}

func (s *segmentStore) fold(f func(acc int, st *segState) int, acc int) int {
	it := s.m.Iterator()
	for !it.Done() {
		_, st, _ := it.Next()
		acc = f(acc, st)
	}
	return acc
}

func (s *segmentStore) forEach(f func(st *segState)) {
	it := s.m.Iterator()
	for !it.Done() {
		_, st, _ := it.Next()
		f(st)
	}
}

func (s *segmentStore) keys() []uint32 {
	out := make([]uint32, 0, s.m.Len())
	it := s.m.Iterator()
	for !it.Done() {
		k, _, _ := it.Next()
		out = append(out, k)
	}
	return out
}

func (s *segmentStore) len() int {
	return s.m.Len()
}

func (s *segmentStore) touch(num uint32) {
	for i, n := range s.mru {
		if n == num {
			s.mru = append(s.mru[:i], s.mru[i+1:]...)
			break
		}
	}
	s.mru = append([]uint32{num}, s.mru...)
	if len(s.mru) > 2 {
		s.mru = s.mru[:2]
	}
}

// setOverlaySlot stores ts at rel, or removes the key entirely when ts is
// empty — addToJournal's "(P, del, no_ack) + ack -> empty" transition must
// not leave a zero-valued entry behind, since segment.Array is documented
// (and segmentPlusJournal relies on it) as holding only occupied slots.
func setOverlaySlot(arr segment.Array, rel uint16, ts segment.TriState) {
	if ts.Empty() {
		delete(arr, rel)
		return
	}
	arr[rel] = ts
}

// segNumFor and relFor implement the §3 segment/relative-sequence split.
func segNumFor(seqID uint64) uint32 {
	return uint32(seqID / record.SegmentEntryCount)
}

func relFor(seqID uint64) uint16 {
	return uint16(seqID % record.SegmentEntryCount)
}

func seqIDFor(segNum uint32, rel uint16) uint64 {
	return uint64(segNum)*record.SegmentEntryCount + uint64(rel)
}
