// Package async overlaps blocking I/O with CPU-bound transform work: a
// bounded read pipeline (Pipeline) for decode-side consumers, and a batched
// flush pool (Pool) for encode-side producers. Both are generalized from
// grailbio/bio/encoding/bam.AdjacentShardedBAMReader's goroutine-per-shard
// discipline and grailbio/base/traverse's bounded fan-out, rather than any
// single teacher file.
package async

import (
	"runtime"
	"sync"
)

var (
	defaultMu      sync.Mutex
	defaultWorkers = runtime.GOMAXPROCS(0)

	defaultWriterPoolOnce sync.Once
	defaultWriterPool     *Pool
)

// DefaultWorkers returns the process-wide non-blocking pool size used when a
// Pipeline or Pool is not given an explicit worker count. It defaults to
// the GOMAXPROCS value read at package initialization; SetDefaultWorkers
// replaces it.
func DefaultWorkers() int {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultWorkers
}

// SetDefaultWorkers overrides the process-wide default non-blocking pool
// size. It affects only Pipelines and Pools constructed afterward.
func SetDefaultWorkers(n int) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultWorkers = n
}

// DefaultWriterPool returns the process-wide default Pool, lazily
// constructed on first use with DefaultWorkers() workers.
func DefaultWriterPool() *Pool {
	defaultWriterPoolOnce.Do(func() {
		defaultWriterPool = NewPool(DefaultWorkers())
	})
	return defaultWriterPool
}

// SetDefaultWriterPool replaces the process-wide default Pool: every later
// call to DefaultWriterPool returns p, whether or not DefaultWriterPool was
// called before. Callers that already obtained the previous default keep
// using it.
func SetDefaultWriterPool(p *Pool) {
	defaultWriterPoolOnce.Do(func() {})
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultWriterPool = p
}
