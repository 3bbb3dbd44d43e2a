package flushz

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	errInvalidWorkers   = errors.New("workers must be > 0")
	errInvalidQueueSize = errors.New("queueSize must be > 0")
)

// workerPool runs span handlers off the ending goroutine. Submissions to a
// full queue are dropped and counted, so End never blocks on a slow handler.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
}

func newWorkerPool(workers, queueSize int) (*workerPool, error) {
	if workers <= 0 {
		return nil, errInvalidWorkers
	}
	if queueSize <= 0 {
		return nil, errInvalidQueueSize
	}

	w := &workerPool{
		tasks: make(chan func(), queueSize),
		stop:  make(chan struct{}),
	}
	w.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go w.run()
	}
	return w, nil
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			// Drain what was accepted before shutdown.
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case <-w.stop:
		w.dropped.Add(1)
		return
	default:
	}
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
	})
}
