package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// job holds the attributes needed to perform one forward pass.
type job struct {
	ctx    context.Context
	input  []float32
	result chan jobResult
}

type jobResult struct {
	output []float32
	err    error
}

// worker owns one Runner and pulls jobs off the shared queue.
type worker struct {
	id       int
	runner   Runner
	jobQueue <-chan job
	quitChan chan struct{}
}

func newWorker(id int, runner Runner, jobQueue <-chan job) *worker {
	return &worker{
		id:       id,
		runner:   runner,
		jobQueue: jobQueue,
		quitChan: make(chan struct{}),
	}
}

func (w *worker) start(wg *sync.WaitGroup) {
	log.Debugf("[Worker] Worker %d starting", w.id)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case j := <-w.jobQueue:
				w.process(j)
			case <-w.quitChan:
				log.Debugf("[Worker] Worker %d stopping", w.id)
				return
			}
		}
	}()
}

func (w *worker) process(j job) {
	// The caller already gave up; skip the work.
	if err := j.ctx.Err(); err != nil {
		j.result <- jobResult{err: err}
		return
	}

	output, err := w.safeRun(j.input)
	j.result <- jobResult{output: output, err: err}
}

func (w *worker) safeRun(input []float32) (output []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: runner panic: %v", ErrInference, r)
		}
	}()
	output, err = w.runner.Run(input)
	if err != nil && !errors.Is(err, ErrInference) {
		err = fmt.Errorf("%w: %v", ErrInference, err)
	}
	return output, err
}

func (w *worker) stop() {
	close(w.quitChan)
}

// dispatcher fans jobs out to a fixed set of workers through a bounded queue.
type dispatcher struct {
	jobQueue chan job
	workers  []*worker
	wg       sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func newDispatcher(runners []Runner, queueSize int) *dispatcher {
	d := &dispatcher{
		jobQueue: make(chan job, queueSize),
	}
	for i, r := range runners {
		d.workers = append(d.workers, newWorker(i+1, r, d.jobQueue))
	}
	return d
}

func (d *dispatcher) run() {
	for _, w := range d.workers {
		w.start(&d.wg)
	}
}

// submit enqueues without blocking. A full queue is reported as ErrOverloaded.
func (d *dispatcher) submit(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	select {
	case d.jobQueue <- j:
		return nil
	default:
		return ErrOverloaded
	}
}

// stop waits for workers to exit and closes their runners. Jobs still queued
// are answered with ErrStopped.
func (d *dispatcher) stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	for _, w := range d.workers {
		w.stop()
	}
	d.wg.Wait()

drain:
	for {
		select {
		case j := <-d.jobQueue:
			j.result <- jobResult{err: ErrStopped}
		default:
			break drain
		}
	}

	var firstErr error
	for _, w := range d.workers {
		if err := w.runner.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *dispatcher) depth() int {
	return len(d.jobQueue)
}
