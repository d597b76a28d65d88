// Package batch implements the Batcher: a pure function that packs
// input objects into balanced batches given a worker's memory budget and
// the desired fan-out, per SPEC_FULL.md §4.1. It performs no I/O and
// makes no object-store or network calls, so it is trivially testable.
package batch

import (
	"math"

	"github.com/biglambda/orchestrator/internal/types"
)

// dataFraction is the share of a worker's memory reserved for input
// data; the remainder is headroom for runtime and handler overhead.
const dataFraction = 0.6

// mapSideFloor is the minimum batch count floor for the map stage: one
// invocation may legitimately process a single tiny batch.
const mapSideFloor = 1

// reduceEffectiveMemoryMB and reduceConcurrency are the fixed parameters
// the coordinator uses when it calls Batches for a reduce step, per
// SPEC_FULL.md §4.1's reduce-side variant.
const (
	reduceEffectiveMemoryMB = 1536
	reduceConcurrency       = 1000
	reduceSizeFloor         = 2
)

// Batches packs keys, in order, into a list of Batch such that every key
// appears in exactly one batch and concatenating the batches in order
// reproduces keys exactly. No batch exceeds batchSize entries; the
// final batch may be shorter.
func Batches(keys []types.ObjectRef, workerMemoryMB, concurrentWorkers int) []types.Batch {
	if len(keys) == 0 {
		return nil
	}

	size := batchSize(keys, workerMemoryMB, concurrentWorkers, mapSideFloor)
	return pack(keys, size)
}

// ReduceBatches is the reduce-side variant: it calls the same sizing
// algorithm with a larger effective memory budget and a floor of 2, so
// that every reduce step strictly decreases the number of artifacts
// remaining to merge.
func ReduceBatches(keys []types.ObjectRef) []types.Batch {
	if len(keys) == 0 {
		return nil
	}

	size := batchSize(keys, reduceEffectiveMemoryMB, reduceConcurrency, reduceSizeFloor)
	return pack(keys, size)
}

// batchSize computes how many keys belong in each batch.
func batchSize(keys []types.ObjectRef, workerMemoryMB, concurrentWorkers, floor int) int {
	maxDataBytes := dataFraction * float64(workerMemoryMB) * 1e6

	var total int64
	for _, k := range keys {
		total += k.Size
	}
	avg := float64(total) / float64(len(keys))

	var size int
	if avg < maxDataBytes && len(keys) < concurrentWorkers {
		// dataset is small enough to fully fan out: favor parallelism
		size = 1
	} else {
		size = int(math.Round(maxDataBytes / avg))
	}

	if size < floor {
		size = floor
	}
	return size
}

// pack greedily packs keys into fixed-count batches of size, preserving
// input order; the final batch may be shorter.
func pack(keys []types.ObjectRef, size int) []types.Batch {
	if size < 1 {
		size = 1
	}

	var batches []types.Batch
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		batch := make(types.Batch, end-start)
		copy(batch, keys[start:end])
		batches = append(batches, batch)
	}
	return batches
}
