// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package upgrade implements the C8 format upgraders: streaming
// byte-for-byte rewriters that carry a journal.jif or <seg>.idx file
// forward through the historical record layouts that preceded
// record.CurrentVersion, one version per upgrader, in dependency order.
//
// Version history (oldest first): v0 carried only a msg-id per publish; v1
// (add_queue_ttl) added the expiry field; v2 (avoid_zeroes) made no byte
// change, only a version bump, since the change it represents is a read-
// side fix to the zero-pad termination rule rather than a new field; v3
// (store_msg_size) added the size field; v4 (store_msg), the current
// format, added the embedded-body length field. A file upgraded by every
// step below is byte-for-byte what package record expects.
package upgrade

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	journalHeaderSize = 8
	segHeaderSize     = 2
	msgIDSize         = 16
)

// RewriteFunc consumes one record from the front of input. It either
// returns the rewritten record plus the unconsumed remainder (stop=false),
// or signals that the remaining bytes cannot be parsed as a complete record
// and should be discarded (stop=true) — the torn-tail case of §4.1/§4.8.
type RewriteFunc func(input []byte) (output, remaining []byte, stop bool)

// Upgrader is one (journal_fn, segment_fn) pair, named after the
// historical change it represents (§4.8).
type Upgrader struct {
	Name    string
	Journal RewriteFunc
	Segment RewriteFunc
}

// journalRewriter builds a RewriteFunc for a journal file whose publish
// records currently carry oldExtra bytes after the msg-id, rewriting them
// to carry oldExtra+appendN bytes by zero-filling the new tail. Deliver and
// ack records (8-byte header only) pass through unchanged at every version.
func journalRewriter(oldExtra, appendN int) RewriteFunc {
	return func(input []byte) (output, remaining []byte, stop bool) {
		if len(input) < journalHeaderSize {
			return nil, nil, true
		}
		header := binary.BigEndian.Uint64(input[:journalHeaderSize])
		switch prefix := uint8(header >> 62); prefix {
		case 0b10, 0b11:
			return append([]byte(nil), input[:journalHeaderSize]...), input[journalHeaderSize:], false
		case 0b00, 0b01:
			recLen := journalHeaderSize + msgIDSize + oldExtra
			if len(input) < recLen {
				return nil, nil, true
			}
			out := make([]byte, 0, recLen+appendN)
			out = append(out, input[:recLen]...)
			out = append(out, make([]byte, appendN)...)
			return out, input[recLen:], false
		default:
			return nil, nil, true
		}
	}
}

// segmentRewriter is journalRewriter's counterpart for <seg>.idx files: a
// 2-byte header, publish records carry oldExtra bytes after the msg-id,
// deliver-or-ack records are the 2-byte header alone and pass through
// unchanged.
func segmentRewriter(oldExtra, appendN int) RewriteFunc {
	return func(input []byte) (output, remaining []byte, stop bool) {
		if len(input) < segHeaderSize {
			return nil, nil, true
		}
		header := binary.BigEndian.Uint16(input[:segHeaderSize])
		switch {
		case header&(1<<15) != 0:
			recLen := segHeaderSize + msgIDSize + oldExtra
			if len(input) < recLen {
				return nil, nil, true
			}
			out := make([]byte, 0, recLen+appendN)
			out = append(out, input[:recLen]...)
			out = append(out, make([]byte, appendN)...)
			return out, input[recLen:], false
		case header&(1<<14) != 0:
			return append([]byte(nil), input[:segHeaderSize]...), input[segHeaderSize:], false
		default:
			return nil, nil, true
		}
	}
}

// Upgraders returns the four upgraders of §4.8, in dependency order. Each
// one's oldExtra matches the running total of bytes the previous upgraders
// in the list have already appended.
func Upgraders() []Upgrader {
	return []Upgrader{
		{Name: "add_queue_ttl", Journal: journalRewriter(0, 8), Segment: segmentRewriter(0, 8)},
		{Name: "avoid_zeroes", Journal: journalRewriter(8, 0), Segment: segmentRewriter(8, 0)},
		{Name: "store_msg_size", Journal: journalRewriter(8, 4), Segment: segmentRewriter(8, 4)},
		{Name: "store_msg", Journal: journalRewriter(12, 4), Segment: segmentRewriter(12, 4)},
	}
}

// UpgradeFile rewrites the file at path in place: reads the whole content,
// verifies its leading version byte is oldVersion, feeds the body to fn one
// record at a time accumulating output, then atomically renames a
// "<path>.upgrade" temp file over the original with the new version byte
// prepended. A missing or zero-length file is left alone (§4.8).
func UpgradeFile(path string, fn RewriteFunc, oldVersion, newVersion byte) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	version, body := data[0], data[1:]
	if version != oldVersion {
		return fmt.Errorf("upgrade: %s has version %d, expected %d", path, version, oldVersion)
	}

	out := make([]byte, 0, len(data))
	out = append(out, newVersion)
	remaining := body
	for len(remaining) > 0 {
		chunk, rest, stop := fn(remaining)
		if stop {
			break
		}
		out = append(out, chunk...)
		remaining = rest
	}

	tmp := path + ".upgrade"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// QueueDir runs every applicable upgrader, in order, over every
// journal.jif and <seg>.idx file in dir. A file already at or past a given
// upgrader's target version is left untouched by that step.
func QueueDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	upgraders := Upgraders()
	for _, e := range entries {
		name := e.Name()
		isJournal := name == "journal.jif"
		if !isJournal && !strings.HasSuffix(name, ".idx") {
			continue
		}
		path := filepath.Join(dir, name)
		for i, u := range upgraders {
			data, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				break
			}
			if err != nil {
				return err
			}
			if len(data) == 0 || data[0] != byte(i) {
				continue
			}
			fn := u.Segment
			if isJournal {
				fn = u.Journal
			}
			if err := UpgradeFile(path, fn, byte(i), byte(i+1)); err != nil {
				return fmt.Errorf("upgrade: %s via %s: %w", path, u.Name, err)
			}
		}
	}
	return nil
}
