package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"buspro-home/internal/buspro"
)

// ErrSuperseded resolves the awaiter of a queued command that was replaced
// by a newer command for the same device before it could run. Callers treat
// it as a benign no-op, not a failure.
var ErrSuperseded = errors.New("command superseded")

// ErrStopped resolves awaiters of commands still queued when the scheduler
// shuts down.
var ErrStopped = errors.New("scheduler stopped")

// Command kinds. Stop commands jump the queue.
const (
	KindSet   = "SET"
	KindStop  = "STOP"
	KindOpen  = "OPEN"
	KindClose = "CLOSE"
	KindRead  = "READ"
)

type schedJob struct {
	key      buspro.DeviceAddress
	kind     string
	priority int
	action   func(ctx context.Context) error
	done     chan error
}

// Scheduler is a per-domain command queue. It keeps at most one pending
// command per device key (newer replaces older), paces dispatches by a fixed
// interval, and round-robins across keys so a chatty device cannot starve
// the rest of the bus.
type Scheduler struct {
	name     string
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[buspro.DeviceAddress]*schedJob
	order    []buspro.DeviceAddress
	inflight map[buspro.DeviceAddress]bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool
	stopped bool
}

// NewScheduler creates a scheduler for one control domain. name appears in
// log records only.
func NewScheduler(name string, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		logger:   logger,
		pending:  make(map[buspro.DeviceAddress]*schedJob),
		inflight: make(map[buspro.DeviceAddress]bool),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the worker loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopped = false
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()
}

// Stop cancels the worker and resolves every still-pending awaiter with
// ErrStopped. In-flight actions see their context cancelled. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.stopped = true
	cancel := s.cancel
	drained := make([]*schedJob, 0, len(s.pending))
	for _, job := range s.pending {
		drained = append(drained, job)
	}
	s.pending = make(map[buspro.DeviceAddress]*schedJob)
	s.order = nil
	s.mu.Unlock()

	cancel()
	for _, job := range drained {
		job.done <- ErrStopped
	}
	s.wg.Wait()
}

// Enqueue queues action under key. If a command is already pending for the
// key it is replaced and its awaiter resolves with ErrSuperseded. STOP
// commands and positive priorities go to the front of the dispatch order.
// The returned channel delivers exactly one value when the command finishes.
// Commands queued before Start wait for the worker; commands queued after
// Stop resolve immediately with ErrStopped.
func (s *Scheduler) Enqueue(key buspro.DeviceAddress, kind string, priority int, action func(ctx context.Context) error) <-chan error {
	job := &schedJob{
		key:      key,
		kind:     kind,
		priority: priority,
		action:   action,
		done:     make(chan error, 1),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		job.done <- ErrStopped
		return job.done
	}
	var superseded *schedJob
	if prev, ok := s.pending[key]; ok {
		superseded = prev
		s.removeFromOrder(key)
	}
	s.pending[key] = job
	if kind == KindStop || priority > 0 {
		s.order = append([]buspro.DeviceAddress{key}, s.order...)
	} else {
		s.order = append(s.order, key)
	}
	s.mu.Unlock()

	if superseded != nil {
		superseded.done <- ErrSuperseded
		s.logger.Debug("command superseded", "domain", s.name, "device", key.String(), "kind", superseded.kind)
	}
	s.signal()
	return job.done
}

// Pending reports the number of queued (not in-flight) commands.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		job := s.next()
		if job == nil {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		s.wg.Add(1)
		go s.dispatch(job)

		select {
		case <-time.After(s.interval):
		case <-s.ctx.Done():
			return
		}
	}
}

// next pops the first key whose device is not busy. Busy keys rotate to the
// back so one slow device cannot block the loop.
func (s *Scheduler) next() *schedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(s.order); i++ {
		key := s.order[0]
		s.order = s.order[1:]
		if s.inflight[key] {
			s.order = append(s.order, key)
			continue
		}
		job, ok := s.pending[key]
		if !ok {
			continue
		}
		delete(s.pending, key)
		s.inflight[key] = true
		return job
	}
	return nil
}

func (s *Scheduler) dispatch(job *schedJob) {
	defer s.wg.Done()
	err := job.action(s.ctx)
	if err != nil {
		s.logger.Warn("command failed", "domain", s.name, "device", job.key.String(), "kind", job.kind, "err", err)
	}
	job.done <- err

	s.mu.Lock()
	delete(s.inflight, job.key)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) removeFromOrder(key buspro.DeviceAddress) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
