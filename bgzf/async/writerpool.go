package async

import (
	"io"
	"sync"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bgzfcore/bgzf"
)

const numPoolShards = 64

// Pool is shared by many registered writers. Each writer owns a queue (with
// no size bound), a flush-batch threshold, and at most one in-flight flush.
// Each scheduled flush runs on its own goroutine; the worker count given to
// NewPool does not limit how many flushes run at once across writers. The
// writer registry is a sharded, mutex-protected map
// keyed by writer id, grounded on
// grailbio/bio/encoding/bamprovider/concurrentmap.go's seahash-sharded
// design, generalized from a name->record cache to a writer-id->state
// registry.
type Pool struct {
	workers int

	shards [numPoolShards]poolShard

	wg     sync.WaitGroup // in-flight flushes across all registered writers
	mu     sync.Mutex
	closed bool
}

type poolShard struct {
	mu      sync.Mutex
	writers map[string]closer
}

type closer interface {
	closeFromPool() error
}

// NewPool returns a Pool recording workers as its worker count (0 means
// DefaultWorkers()). The count is stored only; flush concurrency is not
// limited by it.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	p := &Pool{workers: workers}
	for i := range p.shards {
		p.shards[i].writers = make(map[string]closer)
	}
	return p
}

func (p *Pool) shardFor(id string) *poolShard {
	h := seahash.Sum64([]byte(id))
	return &p.shards[h%numPoolShards]
}

// Writer is a registered, batched async writer over item type T. flush is
// called with batches of queued items, in submission order. A batch
// scheduled by Write holds every item queued at that moment, which exceeds
// buffSize when items arrived while the previous flush was in flight; Close
// hands the whole remainder to flush in one call.
type Writer[T any] struct {
	pool     *Pool
	id       string
	buffSize int
	flush    func([]T) error
	sink     io.Writer // optional; closed by Close if non-nil

	mu        sync.Mutex
	queue     []T
	flushing  bool
	flushDone chan struct{} // closed when the in-flight flush completes; nil when idle
	latched   error
	closed    bool
}

// Register adds a writer under id to the pool. flush drains a batch of
// queued items to the underlying sink; sink, if non-nil, is closed once by
// Close after the writer's queue is fully drained.
func Register[T any](pool *Pool, id string, buffSize int, flush func([]T) error, sink io.Writer) (*Writer[T], error) {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return nil, errors.E(bgzf.IllegalState, "async: Register called on a closed Pool")
	}
	pool.mu.Unlock()

	w := &Writer[T]{pool: pool, id: id, buffSize: buffSize, flush: flush, sink: sink}
	shard := pool.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, exists := shard.writers[id]; exists {
		return nil, errors.E(bgzf.IllegalState, "async: writer id already registered: "+id)
	}
	shard.writers[id] = w
	return w, nil
}

// Write enqueues item. If the queue has reached buffSize and no flush is
// currently in flight, a flush of the whole queue is scheduled on its own
// goroutine.
func (w *Writer[T]) Write(item T) error {
	w.mu.Lock()
	if w.latched != nil {
		err := w.latched
		w.mu.Unlock()
		return err
	}
	if w.closed {
		w.mu.Unlock()
		return errors.E(bgzf.IllegalState, "async: Write called on a closed Writer")
	}
	w.queue = append(w.queue, item)
	var batch []T
	var done chan struct{}
	if len(w.queue) >= w.buffSize && !w.flushing {
		batch = w.queue
		w.queue = nil
		w.flushing = true
		done = make(chan struct{})
		w.flushDone = done
	}
	w.mu.Unlock()
	if batch != nil {
		w.scheduleFlush(batch, done)
	}
	return nil
}

func (w *Writer[T]) scheduleFlush(batch []T, done chan struct{}) {
	w.pool.wg.Add(1)
	go func() {
		defer w.pool.wg.Done()
		defer close(done)
		err := w.flush(batch)
		w.mu.Lock()
		w.flushing = false
		if err != nil && w.latched == nil {
			w.latched = errors.E(bgzf.IoError, err, "async: flush failed for writer "+w.id)
		}
		w.mu.Unlock()
	}()
}

// waitForFlush blocks until no flush is in flight for w.
func (w *Writer[T]) waitForFlush() {
	w.mu.Lock()
	done := w.flushDone
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

// closeFromPool waits for any in-flight flush, drains the remaining queue
// synchronously, waits again, then closes the underlying sink (if any).
func (w *Writer[T]) closeFromPool() error {
	w.waitForFlush()
	w.mu.Lock()
	remainder := w.queue
	w.queue = nil
	w.closed = true
	latched := w.latched
	w.mu.Unlock()

	if latched != nil {
		return latched
	}
	if len(remainder) > 0 {
		if err := w.flush(remainder); err != nil {
			err = errors.E(bgzf.IoError, err, "async: final flush failed for writer "+w.id)
			w.mu.Lock()
			w.latched = err
			w.mu.Unlock()
			return err
		}
	}
	w.waitForFlush()
	if c, ok := w.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Close is equivalent to calling Pool.CloseWriter(w.id).
func (w *Writer[T]) Close() error {
	return w.pool.CloseWriter(w.id)
}

// CloseWriter closes and unregisters one writer by id.
func (p *Pool) CloseWriter(id string) error {
	shard := p.shardFor(id)
	shard.mu.Lock()
	w, ok := shard.writers[id]
	if ok {
		delete(shard.writers, id)
	}
	shard.mu.Unlock()
	if !ok {
		return errors.E(bgzf.IllegalState, "async: CloseWriter called on unregistered id: "+id)
	}
	return w.closeFromPool()
}

// Close closes every registered writer and shuts the shared pool down. The
// first error encountered (if any) is returned; Close still attempts every
// writer regardless.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var first error
	for i := range p.shards {
		shard := &p.shards[i]
		shard.mu.Lock()
		writers := shard.writers
		shard.writers = make(map[string]closer)
		shard.mu.Unlock()
		for _, w := range writers {
			if err := w.closeFromPool(); err != nil && first == nil {
				first = err
			}
		}
	}
	p.wg.Wait()
	return first
}
