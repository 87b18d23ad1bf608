package taskscheduler

import "sync"

// Fence is a one-shot waitable tracking completion of a declared set
// of root tasks (spec.md §4.5). Create it after defining the roots but
// before calling FinishTaskDefinition on them — the roots' "still
// defining" hold is exactly what prevents the fence from observing a
// premature zero.
type Fence struct {
	mu        sync.Mutex
	cond      *sync.Cond
	remaining int
	roots     map[TaskID]struct{}
	done      bool
}

// NewFence registers a fence against roots. The scheduler hooks each
// root so that its completion cascade decrements the fence's remaining
// count.
func (s *Scheduler) NewFence(roots ...TaskID) (*Fence, error) {
	if len(roots) == 0 {
		return nil, newError(ErrInvalidArg, "fence requires at least one root task")
	}
	f := &Fence{
		remaining: len(roots),
		roots:     make(map[TaskID]struct{}, len(roots)),
	}
	f.cond = sync.NewCond(&f.mu)

	for _, r := range roots {
		f.roots[r] = struct{}{}
	}

	s.registerFence(f)
	return f, nil
}

// Wait blocks the calling thread until every root registered with this
// fence has completed (work_count == 0).
func (f *Fence) Wait() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.remaining > 0 {
		f.cond.Wait()
	}
}

// onRootCompleted is invoked by the scheduler's completion cascade for
// every completed task; it is a no-op unless id is one of this fence's roots.
func (f *Fence) onRootCompleted(id TaskID) {
	f.mu.Lock()
	if _, ok := f.roots[id]; !ok {
		f.mu.Unlock()
		return
	}
	delete(f.roots, id)
	f.remaining--
	done := f.remaining == 0
	if done {
		f.done = true
	}
	f.mu.Unlock()
	if done {
		f.cond.Broadcast()
	}
}

// Destroy is legal only after Wait has returned; it returns an
// INVALID_ARG error if the fence has not fired. It does not remove the
// fence from the scheduler's fence registry.
func (f *Fence) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		return newError(ErrInvalidArg, "fence destroyed before wait returned")
	}
	return nil
}
