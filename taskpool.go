package taskscheduler

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TaskPool is a fixed-capacity, single-producer container of task
// descriptors plus the steal deque other pools drain from (spec.md §3,
// §4.3). A TaskPool is owned by exactly one thread for the purposes of
// DefineTask/SpawnChildTask/Publish/FinishTaskDefinition; Steal is
// callable from any thread.
type TaskPool struct {
	id            int
	instanceID    uuid.UUID
	usage         PoolUsage
	ownerThreadID int64

	sched *Scheduler

	mu          sync.Mutex // guards slots, free list, unpublished cursor (owner-only operations)
	slots       []taskSlot
	free        []int // free slot indices, LIFO
	unpublished []int // slot indices defined-but-not-yet-published, LIFO

	deque *stealDeque

	localArena *Arena

	lastErr atomic.Int32 // ErrorTag
}

func newTaskPool(id int, usage PoolUsage, capacity int, localMemorySize int) *TaskPool {
	p := &TaskPool{
		id:         id,
		instanceID: uuid.New(),
		usage:      usage,
		slots:      make([]taskSlot, capacity),
		free:       make([]int, capacity),
		deque:      newStealDeque(capacity),
	}
	for i := range p.free {
		p.free[i] = capacity - 1 - i // slot 0 popped first
		p.slots[i].free = true
	}
	if localMemorySize > 0 {
		p.localArena = NewArena("pool-local", localMemorySize, true)
	}
	return p
}

// bindOwner assigns the calling/assigned thread as this pool's owner.
// Called once at scheduler startup (worker pools) or on first
// AllocateTaskPool (producer pools).
func (p *TaskPool) bindOwner(threadID int64) {
	p.ownerThreadID = threadID
}

func (p *TaskPool) setError(tag ErrorTag) {
	p.lastErr.Store(int32(tag))
	if tag == ErrPoolFull {
		p.sched.metrics().poolFullErrors.Inc()
		p.sched.logger.Warn("task pool full")
	}
}

// GetPoolError returns the last error tag recorded for this pool.
func (p *TaskPool) GetPoolError() ErrorTag {
	return ErrorTag(p.lastErr.Load())
}

// resolve returns the slot for id if it currently occupies a live slot
// with a matching generation, or nil if the id is stale or out of range.
func (p *TaskPool) resolve(id TaskID) *taskSlot {
	slot := id.SlotIndex()
	if slot < 0 || slot >= len(p.slots) {
		return nil
	}
	s := &p.slots[slot]
	if s.free || s.generation != id.Generation() {
		return nil
	}
	return s
}

// DefineTask allocates a free slot, writes the descriptor, and — if
// parent is valid — increments the parent's work_count. The task is
// not yet visible to dispatch; the caller must follow with Publish (for
// a batch of siblings) or FinishTaskDefinition (for a root task with no
// parent of its own).
//
// A root task (parent == InvalidTaskID) receives one extra "still
// defining" hold on top of the usual self-pending-dispatch unit;
// FinishTaskDefinition removes it. A non-root task defined directly
// (not via SpawnChildTask) must still eventually be made visible via
// Publish — only the root's extra hold is special-cased, because only
// roots have no running parent to naturally hold them back.
func (p *TaskPool) DefineTask(entry TaskEntry, args TaskArgs, parent TaskID) (TaskID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var parentSlot *taskSlot
	if parent.Valid() {
		parentSlot = p.sched.resolveTaskID(parent)
		if parentSlot == nil {
			p.setError(ErrInvalidID)
			return InvalidTaskID, newError(ErrInvalidID, "invalid parent task id")
		}
	}

	if len(p.free) == 0 {
		p.setError(ErrPoolFull)
		return InvalidTaskID, newError(ErrPoolFull, "task pool exhausted")
	}

	slotIdx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := &p.slots[slotIdx]
	s.entry = entry
	s.args = args
	s.parent = parent
	s.permits = s.permits[:0]
	s.ioRequestSlot = -1
	s.poolID = p.id
	s.generation = nextGeneration(s.generation)
	s.free = false
	s.setState(taskDefining)

	initial := int32(1)
	s.needsFinish = !parent.Valid()
	if s.needsFinish {
		initial = 2 // self-pending-dispatch + still-defining hold
	}
	s.workCount.Store(initial)

	if parentSlot != nil {
		parentSlot.workCount.Add(1)
	}

	s.setState(taskUnpublished)
	p.unpublished = append(p.unpublished, slotIdx)

	id := s.id(slotIdx)
	p.sched.metrics().tasksDefined.Inc()
	return id, nil
}

// Publish makes the n most recently defined (but unpublished) tasks on
// this pool visible to the steal mechanism. Publishing zero tasks is a
// no-op; publishing more than the defined-but-unpublished count is an
// invalid-arg error.
func (p *TaskPool) Publish(n int) error {
	p.mu.Lock()
	completed, err := p.publishLocked(n)
	p.mu.Unlock()
	for _, c := range completed {
		p.sched.completeCascade(c.id, c.slot)
	}
	return err
}

// completedHold names a slot whose release of its "still defining" hold
// (see needsFinish) drove its work_count to zero before it was ever
// dispatched, so the caller must run the completion cascade itself once
// the pool lock is released.
type completedHold struct {
	id   TaskID
	slot *taskSlot
}

// publishLocked transitions the n most recently defined slots to READY
// and pushes them onto the steal deque. For a parentless slot this also
// releases the DefineTask-time "still defining" hold — always before the
// deque push, so no worker can observe the slot as ready while that hold
// is still outstanding (spec.md §4.4).
func (p *TaskPool) publishLocked(n int) ([]completedHold, error) {
	if n == 0 {
		return nil, nil
	}
	if n < 0 || n > len(p.unpublished) {
		p.setError(ErrInvalidArg)
		return nil, newError(ErrInvalidArg, "publish count exceeds unpublished tasks")
	}
	start := len(p.unpublished) - n
	batch := p.unpublished[start:]
	p.unpublished = p.unpublished[:start]

	var completed []completedHold
	for _, slotIdx := range batch {
		s := &p.slots[slotIdx]
		s.setState(taskReady)
		id := s.id(slotIdx)

		if s.needsFinish {
			s.needsFinish = false
			if s.workCount.Add(-1) == 0 {
				completed = append(completed, completedHold{id: id, slot: s})
				continue // already complete; never goes on the deque
			}
		}

		if !p.deque.Push(id) {
			p.setError(ErrPoolFull)
			return completed, newError(ErrPoolFull, "steal deque exhausted")
		}
		p.sched.metrics().tasksPublished.Inc()
		p.sched.wakeAnyWorker()
	}
	return completed, nil
}

// SpawnChildTask defines a task as a child of parent and publishes it
// immediately: equivalent to DefineTask followed by Publish(1). Legal
// from the pool's owner thread (DEFINE pools) or from a worker that is
// currently executing parent (EXECUTE pools spawning further work for
// the running task).
func (p *TaskPool) SpawnChildTask(entry TaskEntry, args TaskArgs, parent TaskID) (TaskID, error) {
	p.mu.Lock()
	var parentSlot *taskSlot
	if parent.Valid() {
		parentSlot = p.sched.resolveTaskID(parent)
		if parentSlot == nil {
			p.setError(ErrInvalidID)
			p.mu.Unlock()
			return InvalidTaskID, newError(ErrInvalidID, "invalid parent task id")
		}
	}
	if len(p.free) == 0 {
		p.setError(ErrPoolFull)
		p.mu.Unlock()
		return InvalidTaskID, newError(ErrPoolFull, "task pool exhausted")
	}

	slotIdx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := &p.slots[slotIdx]
	s.entry = entry
	s.args = args
	s.parent = parent
	s.permits = s.permits[:0]
	s.ioRequestSlot = -1
	s.poolID = p.id
	s.generation = nextGeneration(s.generation)
	s.free = false
	s.setState(taskDefining)
	s.workCount.Store(1)
	s.needsFinish = false // children never carry the root's defining hold

	if parentSlot != nil {
		parentSlot.workCount.Add(1)
	}

	s.setState(taskUnpublished)
	p.unpublished = append(p.unpublished, slotIdx)
	id := s.id(slotIdx)
	p.sched.metrics().tasksDefined.Inc()

	completed, err := p.publishLocked(1)
	p.mu.Unlock()
	for _, c := range completed {
		p.sched.completeCascade(c.id, c.slot)
	}
	if err != nil {
		return InvalidTaskID, err
	}
	return id, nil
}

// FinishTaskDefinition is called by the producer once all up-front
// children of rootID have been declared. It publishes rootID unless an
// earlier Publish already did, and removes the "still defining" hold
// added by DefineTask for parentless tasks if that Publish has not
// already removed it.
func (p *TaskPool) FinishTaskDefinition(rootID TaskID) error {
	p.mu.Lock()

	if rootID.PoolID() != p.id {
		p.mu.Unlock()
		p.setError(ErrInvalidID)
		return newError(ErrInvalidID, "root task does not belong to this pool")
	}
	s := p.resolve(rootID)
	if s == nil {
		p.mu.Unlock()
		p.setError(ErrInvalidID)
		return newError(ErrInvalidID, "stale root task id")
	}

	var completedZero bool
	releaseHold := func() {
		if s.needsFinish {
			s.needsFinish = false
			if s.workCount.Add(-1) == 0 {
				completedZero = true
			}
		}
	}

	// Publish it if it hasn't been already (the common case: no
	// separate Publish call precedes FinishTaskDefinition for roots).
	// The hold is released before the deque push so no worker can ever
	// observe this slot as ready while it is still outstanding.
	published := false
	for i, idx := range p.unpublished {
		if idx == rootID.SlotIndex() {
			p.unpublished = append(p.unpublished[:i], p.unpublished[i+1:]...)
			s.setState(taskReady)
			releaseHold()
			if !completedZero {
				p.deque.Push(rootID)
				p.sched.metrics().tasksPublished.Inc()
			}
			published = true
			break
		}
	}
	if !published {
		releaseHold()
	}

	p.mu.Unlock()
	p.sched.wakeAnyWorker()
	if completedZero {
		p.sched.completeCascade(rootID, s)
	}
	return nil
}

// tryPop pops a ready task from the owner's own end of the deque (LIFO).
// Resolution goes through the scheduler rather than p.resolve because a
// not-yet-executable task requeued by the dispatch loop (scheduler.go)
// may sit on a pool's deque other than the one it was originally defined
// on; the id's own PoolID always names its true owning pool and slot.
func (p *TaskPool) tryPop() (TaskID, *taskSlot, bool) {
	id, ok := p.deque.Pop()
	if !ok {
		return InvalidTaskID, nil, false
	}
	s := p.sched.resolveTaskID(id)
	if s == nil {
		return InvalidTaskID, nil, false
	}
	return id, s, true
}

// trySteal pops a ready task from the opposite (FIFO) end; any thread may call this.
func (p *TaskPool) trySteal() (TaskID, *taskSlot, bool) {
	if !p.usage.Has(UsagePublish) {
		return InvalidTaskID, nil, false
	}
	id, ok := p.deque.Steal()
	if !ok {
		return InvalidTaskID, nil, false
	}
	s := p.sched.resolveTaskID(id)
	if s == nil {
		return InvalidTaskID, nil, false
	}
	p.sched.metrics().tasksStolen.Inc()
	return id, s, true
}

// publishPermit transitions a single unpublished task straight to READY
// and pushes it onto this pool's deque. Unlike publishLocked (which
// drains the n most recent definitions) this targets one specific id,
// released by a holder task's completion cascade rather than by its own
// producer thread. A parentless successor's "still defining" hold is
// released the same way publishLocked releases it.
func (p *TaskPool) publishPermit(id TaskID) {
	p.mu.Lock()
	slotIdx := id.SlotIndex()
	for i, idx := range p.unpublished {
		if idx == slotIdx {
			p.unpublished = append(p.unpublished[:i], p.unpublished[i+1:]...)
			break
		}
	}
	s := p.resolve(id)
	if s == nil || s.loadState() != taskUnpublished {
		p.mu.Unlock()
		return
	}
	s.setState(taskReady)

	completedZero := false
	if s.needsFinish {
		s.needsFinish = false
		completedZero = s.workCount.Add(-1) == 0
	}
	if !completedZero && p.deque.Push(id) {
		p.sched.metrics().tasksPublished.Inc()
		p.sched.wakeAnyWorker()
	}
	p.mu.Unlock()

	if completedZero {
		p.sched.completeCascade(id, s)
	}
}

// releaseSlot marks a completed task's slot free for reuse. The
// generation is bumped lazily on the next DefineTask/SpawnChildTask
// call against that slot, per spec.md §5 (no read-side critical
// section for descriptor lookup).
func (p *TaskPool) releaseSlot(slotIdx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.slots[slotIdx]
	s.setState(taskFree)
	s.free = true
	s.entry = nil
	s.needsFinish = false
	p.free = append(p.free, slotIdx)
}
