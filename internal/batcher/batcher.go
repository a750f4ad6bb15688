// Package batcher partitions eligible file sets into the batches handed to
// process workers.
package batcher

import (
	"fmt"

	"github.com/brensch/stagehand/internal/fileset"
)

// Batch is one worker's share of a run.
type Batch struct {
	Index    int
	FileSets []fileset.FileSet
}

// Plan returns the batch sizes for n file sets.
//
// The batch count is min(maxWorkers, ceil(n/minPerBatch)). When every batch
// can hold at least minPerBatch sets the sizes are balanced, larger batches
// first. Otherwise all but the last batch hold exactly minPerBatch and the
// last takes the remainder.
func Plan(n, maxWorkers, minPerBatch int) ([]int, error) {
	if maxWorkers < 1 {
		return nil, fmt.Errorf("max_process_tasks must be at least 1, got %d", maxWorkers)
	}
	if minPerBatch < 1 {
		return nil, fmt.Errorf("min_file_sets_in_batch must be at least 1, got %d", minPerBatch)
	}
	if n <= 0 {
		return nil, nil
	}

	target := (n + minPerBatch - 1) / minPerBatch
	if target > maxWorkers {
		target = maxWorkers
	}

	sizes := make([]int, target)
	if n >= target*minPerBatch {
		base, extra := n/target, n%target
		for i := range sizes {
			sizes[i] = base
			if i < extra {
				sizes[i]++
			}
		}
		return sizes, nil
	}

	for i := 0; i < target-1; i++ {
		sizes[i] = minPerBatch
	}
	sizes[target-1] = n - (target-1)*minPerBatch
	return sizes, nil
}

// MakeBatches splits sets into contiguous batches following Plan, keeping
// the order the grouper produced.
func MakeBatches(sets []fileset.FileSet, maxWorkers, minPerBatch int) ([]Batch, error) {
	sizes, err := Plan(len(sets), maxWorkers, minPerBatch)
	if err != nil {
		return nil, err
	}
	batches := make([]Batch, 0, len(sizes))
	offset := 0
	for i, size := range sizes {
		batches = append(batches, Batch{
			Index:    i,
			FileSets: sets[offset : offset+size],
		})
		offset += size
	}
	return batches, nil
}
