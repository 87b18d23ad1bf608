package taskscheduler

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// WakeReason identifies why a worker's Main callback was invoked
// (spec.md §4.2).
type WakeReason int

const (
	// WakeExit tells the worker to drain cleanup and terminate.
	WakeExit WakeReason = iota
	// WakeSignal is a generic wake-to-check with no payload.
	WakeSignal
	// WakeExplicit carries a non-zero Signal payload.
	WakeExplicit
	// WakeError indicates the worker pool itself hit an internal error.
	WakeError
)

// Worker is the per-thread state handed to Init/Main: a private arena,
// the pool-wide context, and caller-settable thread-local args.
type Worker struct {
	ThreadID    int
	Arena       *Arena
	PoolContext any
	ThreadArgs  any
}

const (
	// WorkerInitSuccess is returned by a WorkerInitFunc that started cleanly.
	WorkerInitSuccess = 0
	// WorkerInitFailed is returned by a WorkerInitFunc that refused to start.
	WorkerInitFailed = -1
)

// WorkerInitFunc runs once per worker before it begins waiting on its
// wake event. A non-zero return aborts WorkerThreadPool construction.
type WorkerInitFunc func(w *Worker) int

// WorkerMainFunc is invoked each time a worker is woken, with the wake
// payload and reason.
type WorkerMainFunc func(w *Worker, signal uint64, reason WakeReason)

// WorkerThreadPoolConfig configures a fixed set of worker goroutines
// standing in for the spec's OS threads (spec.md §4.2).
type WorkerThreadPoolConfig struct {
	ThreadCount     int
	PerThreadArena  int
	NUMAGroup       int
	Init            WorkerInitFunc
	Main            WorkerMainFunc
	PoolContext     any
	WakeQueueLength int // buffered wake-channel depth per worker
}

type wakeMsg struct {
	signal uint64
	reason WakeReason
}

// WorkerThreadPool is a fixed set of goroutines, each owning a private
// arena and a wake channel standing in for the spec's OS wake event.
type WorkerThreadPool struct {
	cfg     WorkerThreadPoolConfig
	workers []*Worker
	wake    []chan wakeMsg
	group   *errgroup.Group
	ctx     context.Context
}

// NewWorkerThreadPool spawns cfg.ThreadCount workers, running Init on
// each before it begins waiting. If any Init call fails, already
// spawned workers are signaled WakeExit and joined before returning the
// error (spec.md §4.6).
func NewWorkerThreadPool(cfg WorkerThreadPoolConfig) (*WorkerThreadPool, error) {
	if cfg.ThreadCount < 1 {
		return nil, newError(ErrInvalidArg, "worker thread count must be >= 1")
	}
	if cfg.WakeQueueLength <= 0 {
		cfg.WakeQueueLength = 4
	}

	wp := &WorkerThreadPool{
		cfg:     cfg,
		workers: make([]*Worker, cfg.ThreadCount),
		wake:    make([]chan wakeMsg, cfg.ThreadCount),
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	wp.group = group
	wp.ctx = gctx

	initErrCh := make(chan error, cfg.ThreadCount)

	for i := 0; i < cfg.ThreadCount; i++ {
		i := i
		var arena *Arena
		if cfg.PerThreadArena > 0 {
			arena = NewArena("worker-local", cfg.PerThreadArena, true)
		}
		w := &Worker{ThreadID: i, Arena: arena, PoolContext: cfg.PoolContext}
		wp.workers[i] = w
		wp.wake[i] = make(chan wakeMsg, cfg.WakeQueueLength)

		group.Go(func() error {
			if cfg.Init != nil {
				if rc := cfg.Init(w); rc != WorkerInitSuccess {
					err := newError(ErrInitFailed, "worker init callback refused to start")
					initErrCh <- err
					return err
				}
			}
			initErrCh <- nil
			for msg := range wp.wake[i] {
				cfg.Main(w, msg.signal, msg.reason)
				if msg.reason == WakeExit {
					return nil
				}
			}
			return nil
		})
	}

	for i := 0; i < cfg.ThreadCount; i++ {
		if err := <-initErrCh; err != nil {
			cancel()
			wp.destroyAll()
			return nil, err
		}
	}
	cancel() // workers never consult the errgroup context; they run until explicitly exited
	return wp, nil
}

// SignalWorkers wakes up to n workers with the given payload; order is
// unspecified. A zero signal wakes with reason WakeSignal (a generic
// wake-to-check); a non-zero signal wakes with reason WakeExplicit.
func (wp *WorkerThreadPool) SignalWorkers(signal uint64, n int) {
	reason := WakeSignal
	if signal != 0 {
		reason = WakeExplicit
	}
	woken := 0
	for _, ch := range wp.wake {
		if woken >= n {
			break
		}
		select {
		case ch <- wakeMsg{signal: signal, reason: reason}:
			woken++
		default:
			// worker already has a pending wake queued; coalesce.
		}
	}
}

// Launch releases the initially-suspended workers to begin waiting
// (spec.md §4.2). Workers already block on their wake channel
// immediately after construction, so Launch is a harmless no-payload
// wake used for API parity with the spec and to prime any worker whose
// Main assumes at least one invocation before real work arrives.
func (wp *WorkerThreadPool) Launch() {
	wp.SignalWorkers(0, len(wp.wake))
}

func (wp *WorkerThreadPool) destroyAll() {
	for _, ch := range wp.wake {
		select {
		case ch <- wakeMsg{reason: WakeExit}:
		default:
		}
		close(ch)
	}
	_ = wp.group.Wait()
}

// Destroy broadcasts WakeExit to every worker and joins them all.
func (wp *WorkerThreadPool) Destroy() error {
	// The channels stay open: a worker still draining tasks may signal its
	// peers after they have been sent WakeExit.
	for _, ch := range wp.wake {
		ch <- wakeMsg{reason: WakeExit}
	}
	return wp.group.Wait()
}

// ThreadCount returns the number of workers in the pool.
func (wp *WorkerThreadPool) ThreadCount() int {
	return len(wp.workers)
}
