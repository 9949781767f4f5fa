package async

import (
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bgzfcore/bgzf"
)

// ReadAheadFunc performs one unit of blocking read-ahead work, consuming up
// to budget bytes' worth of input and returning the item it produced and
// how much of the budget it used. eof is true once the underlying source is
// exhausted (item and used are then ignored). The pipeline guarantees at
// most one concurrent invocation of a given ReadAheadFunc.
type ReadAheadFunc[U any] func(budget int) (item U, used int, eof bool, err error)

// TransformFunc performs pure CPU work on one read-ahead item. The pipeline
// may invoke it concurrently on many items with no ordering guarantee
// within a batch.
type TransformFunc[U any, T any] func(item U) (T, error)

// Config bounds a Pipeline's resource usage.
type Config struct {
	// BatchBufferBudget is the running sum of ReadAheadFunc's reported
	// "used" values a single batch accumulates before it is handed off
	// for transform, or EOF is observed. Must be > 0.
	BatchBufferBudget int
	// Batches is the number of read-ahead/transform pairs kept in flight
	// at once. Must be > 0.
	Batches int
	// Workers bounds the non-blocking pool used for transforms. Zero
	// means DefaultWorkers().
	Workers int
}

type pipelineState int

const (
	stateIdle pipelineState = iota
	stateRunning
	stateDraining
	stateClosed
	stateError
)

// batch is one read-ahead/transform unit: items produced by a single
// read-ahead pass, paired with per-item transform futures slotted at their
// source position so that out-of-order transform completion still yields
// in-order delivery.
type batch[U any, T any] struct {
	items   []U
	results []T
	errs    []error
	ready   []chan struct{}

	eof          bool
	terminalErr error
}

// Pipeline coordinates a single chain of blocking read-ahead tasks with a
// bounded pool of non-blocking transform tasks. See spec section 4.F: two
// disjoint thread pools (a serialized blocking one, and a fixed-size
// non-blocking one), bounded by batchBufferBudget and batches.
type Pipeline[U any, T any] struct {
	cfg      Config
	readAhead ReadAheadFunc[U]
	transform TransformFunc[U, T]

	mu    sync.Mutex
	state pipelineState
	// cancelFlag is observed cooperatively by read-ahead and transform
	// tasks at checkpoints between items; it is not forcible preemption.
	cancelFlag bool
	eofSeen    bool

	batchCh chan *batch[U, T]
	stopCh  chan struct{}
	loopWG  sync.WaitGroup // the single read-ahead goroutine
	taskWG  sync.WaitGroup // in-flight transform fan-outs

	head    *batch[U, T]
	headIdx int
}

// New returns a Pipeline over the given capabilities, initially Idle.
func New[U any, T any](cfg Config, readAhead ReadAheadFunc[U], transform TransformFunc[U, T]) *Pipeline[U, T] {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	return &Pipeline[U, T]{
		cfg:       cfg,
		readAhead: readAhead,
		transform: transform,
		state:     stateIdle,
	}
}

// Start transitions Idle -> Running, launching the single blocking-pool
// read-ahead goroutine and pre-scheduling up to cfg.Batches read-aheads (via
// the buffered batch channel's back-pressure).
func (p *Pipeline[U, T]) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateIdle {
		return errors.E(bgzf.IllegalState, "async: Start called on a Pipeline that is not Idle")
	}
	p.state = stateRunning
	p.batchCh = make(chan *batch[U, T], p.cfg.Batches)
	p.stopCh = make(chan struct{})
	p.loopWG.Add(1)
	go p.readAheadLoop()
	return nil
}

func (p *Pipeline[U, T]) enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

func (p *Pipeline[U, T]) cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelFlag
}

// readAheadLoop is the pipeline's single blocking-pool worker: read-ahead
// tasks form a chain here, each starting only after the previous completes,
// which is exactly the single-writer discipline the underlying byte source
// requires.
func (p *Pipeline[U, T]) readAheadLoop() {
	defer p.loopWG.Done()
	for p.enabled() {
		b := &batch[U, T]{}
		used := 0
		for used < p.cfg.BatchBufferBudget {
			if p.cancelled() {
				b.terminalErr = errors.E(bgzf.Cancelled, "async: read-ahead observed cancellation")
				break
			}
			item, n, eof, err := p.readAhead(p.cfg.BatchBufferBudget - used)
			if err != nil {
				b.terminalErr = err
				break
			}
			if eof {
				b.eof = true
				break
			}
			b.items = append(b.items, item)
			used += n
		}
		p.scheduleTransforms(b)
		select {
		case p.batchCh <- b:
		case <-p.stopCh:
			return
		}
		if b.eof || b.terminalErr != nil {
			return
		}
	}
}

// scheduleTransforms fans b.items out to the non-blocking pool via
// traverse, limited to cfg.Workers concurrent transforms; this is the same
// bounded-fan-out primitive encoding/pam/pamwriter.go and
// encoding/pam/fieldio/reader.go use for per-shard/per-column parallel work.
func (p *Pipeline[U, T]) scheduleTransforms(b *batch[U, T]) {
	n := len(b.items)
	b.results = make([]T, n)
	b.errs = make([]error, n)
	b.ready = make([]chan struct{}, n)
	for i := range b.ready {
		b.ready[i] = make(chan struct{})
	}
	p.taskWG.Add(1)
	go func() {
		defer p.taskWG.Done()
		_ = traverse.Limit(p.cfg.Workers).Each(n, func(i int) error {
			defer close(b.ready[i])
			if p.cancelled() {
				b.errs[i] = errors.E(bgzf.Cancelled, "async: transform observed cancellation")
				return nil
			}
			t, err := p.transform(b.items[i])
			b.results[i] = t
			b.errs[i] = err
			return nil
		})
	}()
}

// NextRecord returns the next transformed item in source order, or io.EOF
// once the underlying source is exhausted. It suspends on the head batch's
// futures as needed. An error raised by read-ahead or transform is returned
// here and disables the pipeline.
func (p *Pipeline[U, T]) NextRecord() (T, error) {
	var zero T
	if !p.enabled() {
		return zero, errors.E(bgzf.IllegalState, "async: NextRecord called on a disabled Pipeline")
	}
	for {
		if p.head == nil {
			select {
			case b, ok := <-p.batchCh:
				if !ok {
					return zero, io.EOF
				}
				p.head = b
				p.headIdx = 0
			case <-p.stopCh:
				return zero, errors.E(bgzf.IllegalState, "async: Pipeline was disabled while waiting")
			}
		}
		if p.headIdx >= len(p.head.items) {
			if p.head.terminalErr != nil {
				err := p.head.terminalErr
				p.head = nil
				p.disableLocked()
				return zero, err
			}
			if p.head.eof {
				p.mu.Lock()
				p.eofSeen = true
				p.mu.Unlock()
				return zero, io.EOF
			}
			p.head = nil
			continue
		}
		idx := p.headIdx
		<-p.head.ready[idx]
		t, err := p.head.results[idx], p.head.errs[idx]
		p.headIdx++
		if err != nil {
			p.disableLocked()
			return zero, err
		}
		return t, nil
	}
}

func (p *Pipeline[U, T]) disableLocked() {
	p.mu.Lock()
	if p.state == stateRunning {
		p.state = stateError
	}
	p.mu.Unlock()
}

// Disable stops scheduling further read-ahead tasks; in-flight tasks are
// not cancelled.
func (p *Pipeline[U, T]) Disable() {
	p.mu.Lock()
	if p.state == stateRunning {
		p.state = stateIdle
	}
	p.mu.Unlock()
}

// Flush disables the pipeline, asks in-flight tasks to observe the
// cancellation flag at their next cooperative checkpoint, waits for them to
// finish, and discards their results. After Flush returns, no further
// transform or read-ahead task is scheduled and any error they raised is
// swallowed.
func (p *Pipeline[U, T]) Flush() {
	p.mu.Lock()
	p.cancelFlag = true
	if p.state == stateRunning {
		p.state = stateDraining
	}
	if p.stopCh != nil {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.loopWG.Wait()
	p.taskWG.Wait()

	p.mu.Lock()
	p.head = nil
	p.headIdx = 0
	p.cancelFlag = false
	p.state = stateClosed
	p.mu.Unlock()
}

// Enable re-arms the pipeline after Disable, restarting the read-ahead
// goroutine. It fails with IllegalState if EOF was already delivered.
func (p *Pipeline[U, T]) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eofSeen {
		return errors.E(bgzf.IllegalState, "async: Enable called after EOF was already delivered")
	}
	if p.state == stateRunning {
		return nil
	}
	p.state = stateRunning
	p.batchCh = make(chan *batch[U, T], p.cfg.Batches)
	p.stopCh = make(chan struct{})
	p.loopWG.Add(1)
	go p.readAheadLoop()
	return nil
}
