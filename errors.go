// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package queueindex

import (
	"errors"
	"fmt"
)

// Sentinel errors for the §7 taxonomy, declared at package scope the way
// the teacher WAL declares ErrNotFound/ErrCorrupt/ErrSealed/ErrClosed.
// CorruptRecord and MissingFile are represented by record.ErrCorruptRecord
// and a nil-returning fast path respectively; IoError is propagated as the
// underlying *os.PathError unchanged rather than wrapped in a local type, so
// callers can still errors.Is against os.ErrNotExist etc.
var (
	ErrStaleDirectory = errors.New("queueindex: stale directory exists for this queue")
	ErrClosed         = errors.New("queueindex: index is closed")
)

// invariant panics with msg if cond is false. Used for the ProgrammerError
// class of §7: illegal state transitions and duplicate publishes must panic,
// not return an error, since they indicate a bug in the caller (the owning
// queue process), not a recoverable runtime condition.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("queueindex: invariant violated: "+format, args...))
	}
}
