// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"
	"github.com/broker/queueindex"
	"github.com/broker/queueindex/record"
)

func randomMsgID(i int) record.MsgID {
	var id record.MsgID
	id[0] = byte(i)
	id[1] = byte(i >> 8)
	id[2] = byte(i >> 16)
	return id
}

func openIndex(b *testing.B) (*queueindex.QueueIndex, func()) {
	tmpDir, err := os.MkdirTemp("", "queueindex-bench-*")
	if err != nil {
		b.Fatal(err)
	}
	qi, err := queueindex.Init(tmpDir, "bench-queue", nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	return qi, func() { os.RemoveAll(tmpDir) }
}

// BenchmarkPublish measures publish latency with embedded bodies of varying
// size, recording a histogram the same way the teacher's append benchmark
// swept entry sizes for the WAL and Bolt log stores.
func BenchmarkPublish(b *testing.B) {
	sizes := []int{10, 1024, 4096}
	sizeNames := []string{"10", "1k", "4k"}

	for i, s := range sizes {
		b.Run(fmt.Sprintf("entrySize=%s", sizeNames[i]), func(b *testing.B) {
			qi, done := openIndex(b)
			defer done()
			runPublishBench(b, qi, s)
		})
	}
}

func runPublishBench(b *testing.B, qi *queueindex.QueueIndex, size int) {
	hist := hdrhistogram.New(1, 10_000_000, 3)
	embedded := make([]byte, size)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		err := qi.Publish(randomMsgID(i), uint64(i), queueindex.PublishProps{}, true, uint32(size), embedded, 0)
		elapsed := time.Since(start)
		if err != nil {
			b.Fatalf("publish error: %s", err)
		}
		hist.RecordValue(elapsed.Microseconds())
	}
	b.StopTimer()

	reportLatency(b, "publish", hist)
}

// BenchmarkDeliverAckCycle measures the steady-state publish/deliver/ack
// cycle that dominates queue traffic once consumers are caught up.
func BenchmarkDeliverAckCycle(b *testing.B) {
	qi, done := openIndex(b)
	defer done()

	hist := hdrhistogram.New(1, 10_000_000, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		seqID := uint64(i)
		start := time.Now()
		if err := qi.Publish(randomMsgID(i), seqID, queueindex.PublishProps{}, true, 128, nil, 0); err != nil {
			b.Fatalf("publish error: %s", err)
		}
		if err := qi.Deliver([]uint64{seqID}); err != nil {
			b.Fatalf("deliver error: %s", err)
		}
		if err := qi.Ack([]uint64{seqID}); err != nil {
			b.Fatalf("ack error: %s", err)
		}
		hist.RecordValue(time.Since(start).Microseconds())
	}
	b.StopTimer()

	reportLatency(b, "deliver_ack_cycle", hist)
}

// BenchmarkFlush measures the cost of a forced flush under varying backlog
// sizes, the index-file-write analogue of the teacher's GetLogs sweep.
func BenchmarkFlush(b *testing.B) {
	backlogs := []int{100, 1000, 16384}
	for _, n := range backlogs {
		b.Run(fmt.Sprintf("backlog=%d", n), func(b *testing.B) {
			qi, done := openIndex(b)
			defer done()

			for i := 0; i < n; i++ {
				if err := qi.Publish(randomMsgID(i), uint64(i), queueindex.PublishProps{}, true, 16, nil, 0); err != nil {
					b.Fatal(err)
				}
			}

			hist := hdrhistogram.New(1, 10_000_000, 3)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				start := time.Now()
				if err := qi.Flush(); err != nil {
					b.Fatal(err)
				}
				hist.RecordValue(time.Since(start).Microseconds())
			}
			b.StopTimer()

			reportLatency(b, fmt.Sprintf("flush_backlog_%d", n), hist)
		})
	}
}

// reportLatency writes a percentile distribution file for hist next to the
// test binary's working directory, using the same writer the teacher
// declared in go.mod for its own histogram exports.
func reportLatency(b *testing.B, name string, hist *hdrhistogram.Histogram) {
	b.Helper()
	path := fmt.Sprintf("%s_latency.hgrm", name)
	f, err := os.Create(path)
	if err != nil {
		b.Logf("could not open histogram output %s: %s", path, err)
		return
	}
	defer f.Close()

	if err := hdrwriter.WriteDistributionFile(hist, []float64{50, 90, 99, 99.9, 99.99}, 1000.0, path); err != nil {
		b.Logf("could not write histogram distribution for %s: %s", name, err)
	}
	b.Logf("%s: p50=%dus p99=%dus p99.9=%dus", name,
		hist.ValueAtQuantile(50), hist.ValueAtQuantile(99), hist.ValueAtQuantile(99.9))
}
