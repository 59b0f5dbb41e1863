// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package walker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/broker/queueindex"
	"github.com/broker/queueindex/record"
	"github.com/broker/queueindex/recoveryterms"
	"github.com/stretchr/testify/require"
)

func msgID(b byte) record.MsgID {
	var id record.MsgID
	id[0] = b
	return id
}

func openStore(t *testing.T, dir string) recoveryterms.Store {
	store := recoveryterms.NewBoltStore(filepath.Join(dir, "recovery.db"))
	require.NoError(t, store.Start())
	t.Cleanup(func() { store.Stop() })
	return store
}

// TestWalkerTwoQueues implements scenario S6: qA has a persistent publish
// still unacked, qB has the same msg-id published and acked. The walker
// must emit exactly one update, for qA's message.
func TestWalkerTwoQueues(t *testing.T) {
	dir := t.TempDir()
	m1 := msgID(0x42)

	store := openStore(t, dir)
	qiA, err := queueindex.Init(dir, "qA", nil, nil)
	require.NoError(t, err)
	require.NoError(t, qiA.Publish(m1, 0, queueindex.PublishProps{}, true, 10, nil, 0))
	require.NoError(t, qiA.Terminate(store, nil))

	qiB, err := queueindex.Init(dir, "qB", nil, nil)
	require.NoError(t, err)
	require.NoError(t, qiB.Publish(m1, 0, queueindex.PublishProps{}, true, 10, nil, 0))
	require.NoError(t, qiB.Deliver([]uint64{0}))
	require.NoError(t, qiB.Ack([]uint64{0}))
	require.NoError(t, qiB.Terminate(store, nil))
	require.NoError(t, store.Stop())

	store2 := recoveryterms.NewBoltStore(filepath.Join(dir, "recovery.db"))
	terms, w, err := Start(dir, []string{"qA", "qB"}, store2)
	require.NoError(t, err)
	require.Len(t, terms, 2)

	var got []Update
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- w.Run(context.Background()) }()
	for u := range w.Updates() {
		got = append(got, u)
	}
	require.NoError(t, <-runErrCh)

	require.Len(t, got, 1)
	require.Equal(t, m1, got[0].MsgID)
	require.Equal(t, 1, got[0].Count)
}

// TestWalkerDeletesOrphanQueues ensures a queue directory absent from the
// durable-queue-name set is removed (§4.7 step 2).
func TestWalkerDeletesOrphanQueues(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	qi, err := queueindex.Init(dir, "orphan", nil, nil)
	require.NoError(t, err)
	require.NoError(t, qi.Publish(msgID(1), 0, queueindex.PublishProps{}, true, 1, nil, 0))
	require.NoError(t, qi.Terminate(store, nil))
	require.NoError(t, store.Stop())

	orphanDir := queueindex.DirFor(dir, "orphan")
	require.DirExists(t, orphanDir)

	store2 := recoveryterms.NewBoltStore(filepath.Join(dir, "recovery.db"))
	_, w, err := Start(dir, nil, store2)
	require.NoError(t, err)
	require.NoDirExists(t, orphanDir)

	require.NoError(t, w.Run(context.Background()))
	for range w.Updates() {
	}
	require.NoError(t, w.Err())
}
