// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

/*
Package queueindex implements the per-queue persistent index of a durable
message broker.

A QueueIndex records the ordered lifecycle of every message a queue has
handled — publish, delivery, and acknowledgement — in two on-disk file
kinds under a per-queue directory:

  - journal.jif, an append-only log of recent publish/deliver/ack entries
    keyed by full sequence id.
  - <seg>.idx, one file per 16384-sequence-id segment, holding the subset
    of that range's entries that have been flushed out of the journal.

publish/deliver/ack append to the journal and update an in-memory overlay
kept per segment; once the overlay grows past a configurable threshold it
is merged into each touched segment file and the journal is truncated.
Reads merge the on-disk segment with its pending overlay. Recovering a
queue after an unclean shutdown replays the journal, deduplicates it
against what the segment files already contain, and applies a fixed
per-slot recovery policy driven by the message store's contains predicate.

Subpackages:

  - record: the bit-exact journal/segment record codecs (C1).
  - segment: segment file load/append/delete (C3).
  - recoveryterms: the process-wide clean-shutdown terms store (§6).
  - walker: the start-up walker that seeds message-store reference counts
    across every durable queue (C7).
  - upgrade: streaming format upgraders between historical on-disk
    versions (C8).

None of the operations on a *QueueIndex are safe for concurrent use: the
owning queue process is expected to call publish/deliver/ack/sync/flush/
read/bounds/terminate in strictly serialized order.
*/
package queueindex
