// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package walker implements the cross-queue start-up walker (C7): for a set
// of durable queue names it deletes orphaned queue directories, then
// concurrently recovers every remaining queue and streams every persistent,
// unacked publish to a single consumer as a (msg_id, count) pair, so the
// message store can seed its reference counts before normal traffic begins.
package walker

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/broker/queueindex"
	"github.com/broker/queueindex/record"
	"github.com/broker/queueindex/recoveryterms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// DefaultGatherBuffer is the gatherer channel's capacity (SPEC_FULL.md Open
// Question decision #4): enough to let the worker pool run ahead of a slow
// consumer without growing without bound.
const DefaultGatherBuffer = 256

// DefaultWorkerLimit bounds how many queues are recovered concurrently,
// grounded on the same errgroup.SetLimit pattern as
// conflicts.Scorer.BackfillScoring in the retrieval pack.
const DefaultWorkerLimit = 8

// Update is one (msg_id, count) pair emitted by the walker.
type Update struct {
	MsgID record.MsgID
	Count int
}

// QueueTerm is one durable queue's recovery-terms lookup result, in the
// caller-supplied order (§4.7 step 4).
type QueueTerm struct {
	QueueName     string
	DirName       string
	CleanShutdown bool
	Terms         recoveryterms.Terms
}

// Walker is the iterator state returned by Start; call Run once to drive
// recovery and Updates()/Err() to consume results.
type Walker struct {
	queuesDir   string
	terms       []QueueTerm
	workerLimit int
	updates     chan Update
	done        chan struct{}
	err         error

	messages prometheus.Counter
}

// Option configures a Walker before Run.
type Option func(*Walker)

func WithWorkerLimit(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.workerLimit = n
		}
	}
}

func WithGatherBuffer(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.updates = make(chan Update, n)
		}
	}
}

// WithMetricsRegisterer registers queueindex_walker_messages_total, counting
// every (msg_id, count) pair the walker emits, following the same
// promauto-registerer pattern as queueindex.WithMetricsRegisterer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(w *Walker) {
		w.messages = promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "queueindex_walker_messages_total",
			Help: "queueindex_walker_messages_total counts (msg_id, count) pairs emitted by the start-up walker.",
		})
	}
}

// Start implements §4.7 steps 1–4: reads back recovery terms for every
// durable queue name in order, deletes every on-disk queue directory not
// named by that set, and returns the ordered terms alongside a Walker ready
// for Run.
func Start(queuesDir string, durableQueueNames []string, rts recoveryterms.Store, opts ...Option) ([]QueueTerm, *Walker, error) {
	if err := rts.Start(); err != nil {
		return nil, nil, err
	}

	valid := make(map[string]bool, len(durableQueueNames))
	terms := make([]QueueTerm, 0, len(durableQueueNames))
	for _, name := range durableQueueNames {
		shutdown, t, err := queueindex.LoadRecoveryTerms(rts, name)
		if err != nil {
			rts.Stop()
			return nil, nil, err
		}
		dirName := queueindex.DirFor(queuesDir, name)
		terms = append(terms, QueueTerm{
			QueueName:     name,
			DirName:       filepath.Base(dirName),
			CleanShutdown: shutdown == queueindex.CleanShutdown,
			Terms:         t,
		})
		valid[filepath.Base(dirName)] = true
	}

	if err := deleteOrphans(queuesDir, valid); err != nil {
		rts.Stop()
		return nil, nil, err
	}

	if err := rts.Stop(); err != nil {
		return nil, nil, err
	}

	w := &Walker{
		queuesDir:   queuesDir,
		terms:       terms,
		workerLimit: DefaultWorkerLimit,
		updates:     make(chan Update, DefaultGatherBuffer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.messages == nil {
		w.messages = promauto.With(prometheus.NewRegistry()).NewCounter(prometheus.CounterOpts{
			Name: "queueindex_walker_messages_total",
			Help: "queueindex_walker_messages_total counts (msg_id, count) pairs emitted by the start-up walker.",
		})
	}
	return terms, w, nil
}

func deleteOrphans(queuesDir string, valid map[string]bool) error {
	entries, err := os.ReadDir(queuesDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || valid[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(queuesDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// alwaysContains is used by Run: the walker itself is what seeds the
// message store's reference counts, so at this point there is no message
// store yet to consult and every on-disk/journal publish is trusted as-is.
func alwaysContains(record.MsgID) bool { return true }

// Run spawns one worker per durable queue (bounded by workerLimit),
// recovers each queue-index and reads its full sequence-id range, and
// streams an Update for every persistent, unacked publish it finds onto the
// gatherer channel returned by Updates. Run blocks until every worker has
// finished and then closes the channel; it is safe to range over Updates()
// concurrently with Run executing in another goroutine.
func (w *Walker) Run(ctx context.Context) error {
	defer close(w.updates)
	defer close(w.done)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.workerLimit)

	for _, qt := range w.terms {
		qt := qt
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}
			return w.walkQueue(gCtx, qt)
		})
	}

	w.err = g.Wait()
	return w.err
}

func (w *Walker) walkQueue(ctx context.Context, qt QueueTerm) error {
	shutdown := queueindex.NonCleanShutdown
	if qt.CleanShutdown {
		shutdown = queueindex.CleanShutdown
	}
	_, _, qi, err := queueindex.Recover(w.queuesDir, qt.QueueName, shutdown, qt.Terms, false, alwaysContains, nil, nil)
	if err != nil {
		return err
	}
	defer qi.Close()

	low, next := qi.Bounds()
	if low >= next {
		return nil
	}
	msgs, err := qi.Read(low, next)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if !m.IsPersistent {
			continue
		}
		select {
		case w.updates <- Update{MsgID: m.MsgID, Count: 1}:
			w.messages.Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Updates returns the channel Run publishes to. It closes once Run returns,
// after which ranging over it drains any remaining buffered updates and
// then stops — this is the "pull one (msg_id, count) at a time ... when all
// workers have finished and the gatherer is empty it returns finished"
// behavior of §4.7.
func (w *Walker) Updates() <-chan Update {
	return w.updates
}

// Err returns the first error any worker returned, valid only after Run has
// returned (or after a value received from Updates has been observed
// closed).
func (w *Walker) Err() error {
	select {
	case <-w.done:
	default:
	}
	return w.err
}
