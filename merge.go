// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package queueindex

import (
	"fmt"

	"github.com/broker/queueindex/segment"
)

// segmentPlusJournal combines a segment's on-disk tri-states with its
// pending overlay to produce an authoritative merged view and the resulting
// change in unacked count (§4.5, C5). Only the pairings the spec lists as
// reachable (given I1 and the §4.4 transition table) are handled; anything
// else is a ProgrammerError and panics (§7).
func segmentPlusJournal(segArr, overlay segment.Array) (merged segment.Array, unackedDelta int) {
	merged = make(segment.Array, len(segArr)+len(overlay))
	for rel, s := range segArr {
		merged[rel] = s
	}

	for rel, ov := range overlay {
		seg, segExists := segArr[rel]
		switch {
		case !segExists && ov.Pub != nil && !ov.Del && !ov.Ack:
			merged[rel] = ov
			unackedDelta++

		case !segExists && ov.Pub != nil && ov.Del && !ov.Ack:
			merged[rel] = ov
			unackedDelta++

		case !segExists && ov.Pub != nil && ov.Del && ov.Ack:
			delete(merged, rel)

		case segExists && seg.Pub != nil && !seg.Del && !seg.Ack &&
			ov.Pub == nil && ov.Del && !ov.Ack:
			merged[rel] = segment.TriState{Pub: seg.Pub, Del: true}

		case segExists && seg.Pub != nil && !seg.Del && !seg.Ack &&
			ov.Pub == nil && ov.Del && ov.Ack:
			delete(merged, rel)
			unackedDelta--

		case segExists && seg.Pub != nil && seg.Del && !seg.Ack &&
			ov.Pub == nil && !ov.Del && ov.Ack:
			delete(merged, rel)
			unackedDelta--

		default:
			panic(fmt.Sprintf("queueindex: unreachable segment+overlay pairing for rel %d: seg=%+v overlay=%+v", rel, seg, ov))
		}
	}
	return merged, unackedDelta
}

// journalMinusSegment removes journal-overlay entries already reflected on
// disk, used only at dirty recovery to deduplicate an overlay rebuilt from
// journal replay against what the segment file (loaded with keepAcked=true)
// already contains (§4.5, C5).
//
// Unlike segmentPlusJournal this function must tolerate a torn or unusual
// journal tail rather than panic: recovery is the one place where the
// overlay may not obey the steady-state invariants, since it was rebuilt
// from whatever the journal happened to contain before the crash. Any
// pairing not explicitly named in §4.5 is conservatively kept as-is rather
// than dropped, so recovery never silently loses an unacked message.
func journalMinusSegment(overlay, segArr segment.Array) (cleaned segment.Array, duplicates int) {
	cleaned = make(segment.Array, len(overlay))
	for rel, ov := range overlay {
		seg, segExists := segArr[rel]
		switch {
		case !segExists:
			if ov.Pub == nil && ov.Ack {
				// no_pub,*,ack with no matching segment record: the message
				// was already flushed and its segment deleted; the journal
				// tail is stale.
				continue
			}
			cleaned[rel] = ov

		case ov.Pub != nil && seg.Pub != nil && ov.Del == seg.Del && ov.Ack == seg.Ack:
			// identical (P,·,no_ack) or (P,·,ack) in both.
			duplicates++

		case ov.Pub != nil && seg.Pub != nil && !seg.Del && !seg.Ack && ov.Del && !ov.Ack:
			// overlay (P,del,no_ack), seg (P,no_del,no_ack): shrink to delta.
			cleaned[rel] = segment.TriState{Del: true}
			duplicates++

		case ov.Pub != nil && seg.Pub != nil && seg.Del && !seg.Ack && ov.Ack:
			// overlay (P,del,ack), seg (P,del,no_ack): shrink to delta.
			cleaned[rel] = segment.TriState{Ack: true}
			duplicates++

		case ov.Pub == nil && ov.Del && !ov.Ack && (seg.Del || seg.Ack):
			// overlay is a bare del and seg already reflects it.
			continue

		case ov.Pub == nil && ov.Ack && seg.Ack:
			continue

		default:
			cleaned[rel] = ov
		}
	}
	return cleaned, duplicates
}
