// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command loadtest drives sustained publish/deliver/ack traffic against a
// single queue index at a fixed request rate, using the same load-generation
// and histogram-reporting libraries the teacher repo declared for its own
// benchmarking (github.com/benmathews/bench +
// github.com/benmathews/hdrhistogram-writer).
package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/benmathews/bench"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"
	"github.com/broker/queueindex"
	"github.com/broker/queueindex/record"
)

// indexRequester issues one publish+deliver+ack cycle per Request call
// against a shared QueueIndex, implementing bench.Requester.
type indexRequester struct {
	qi      *queueindex.QueueIndex
	nextSeq *uint64
}

func (r *indexRequester) Setup() error { return nil }

func (r *indexRequester) Request() (bool, error) {
	seqID := atomic.AddUint64(r.nextSeq, 1) - 1
	var msgID record.MsgID
	msgID[0], msgID[1], msgID[2] = byte(seqID), byte(seqID>>8), byte(seqID>>16)

	if err := r.qi.Publish(msgID, seqID, queueindex.PublishProps{}, true, 64, nil, 0); err != nil {
		return false, err
	}
	if err := r.qi.Deliver([]uint64{seqID}); err != nil {
		return false, err
	}
	if err := r.qi.Ack([]uint64{seqID}); err != nil {
		return false, err
	}
	return true, nil
}

func (r *indexRequester) Teardown() error { return nil }

// indexRequesterFactory hands every worker goroutine a Requester sharing the
// same underlying QueueIndex and sequence-id counter, since a QueueIndex is
// single-writer (§5) and the sequence space must stay monotonic across
// workers.
type indexRequesterFactory struct {
	qi      *queueindex.QueueIndex
	nextSeq uint64
}

func (f *indexRequesterFactory) GetRequester(uint64) bench.Requester {
	return &indexRequester{qi: f.qi, nextSeq: &f.nextSeq}
}

func main() {
	dir := flag.String("dir", "", "queues directory (created if absent)")
	rate := flag.Uint64("rate", 1000, "target requests per second")
	connections := flag.Uint64("connections", 4, "concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "test duration")
	out := flag.String("out", "loadtest_latency.hgrm", "histogram distribution output path")
	flag.Parse()

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "queueindex-loadtest-*")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	qi, err := queueindex.Init(*dir, "loadtest-queue", nil, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init:", err)
		os.Exit(1)
	}

	factory := &indexRequesterFactory{qi: qi}
	b := bench.NewBenchmark(factory, *rate, *connections, *duration, time.Second)
	summary := b.Run()

	fmt.Println(summary)
	if err := hdrwriter.WriteDistributionFile(summary.Histogram, []float64{50, 90, 99, 99.9, 99.99}, 1000.0, *out); err != nil {
		fmt.Fprintln(os.Stderr, "writing histogram:", err)
	}
}
