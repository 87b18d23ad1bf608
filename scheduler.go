package taskscheduler

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// TaskEnv is the environment passed to every task entry point (spec.md
// §6): the dispatching thread's identity, its scratch arena (reset
// before each task), the scheduler handle for spawning further work,
// and whatever opaque context the caller configured.
type TaskEnv struct {
	ThreadID    int
	Pool        *TaskPool
	Arena       *Arena
	ContextData any
	Logger      Logger
	HostCPUInfo *HostCPUInfo

	sched       *Scheduler
	ring        *eventRing
	currentTask TaskID
}

// SpawnChildTask defines and immediately publishes a child of the
// currently-running task on the calling worker's own pool.
func (env *TaskEnv) SpawnChildTask(entry TaskEntry, args TaskArgs) (TaskID, error) {
	return env.Pool.SpawnChildTask(entry, args, env.currentTask)
}

// Scheduler orchestrates N task pools and M worker threads (spec.md
// §4.4): it owns global scratch memory, the ready-task distribution
// mechanism (indirectly, via each pool's steal deque), and the fence
// registry.
type Scheduler struct {
	cfg     Config
	logger  Logger
	metricz *Metrics

	globalArena *Arena

	pools []*TaskPool // dense by instance id; id == index == TaskID.PoolID()

	workerPool         *WorkerThreadPool
	workerPoolInstance []int // worker thread index -> pool instance id

	freeMu     sync.Mutex
	freeByType map[int][]int // pool-type id -> unbound instance ids available to AllocateTaskPool

	fenceMu sync.Mutex
	fences  []*Fence

	nextProducerThreadID atomic.Int64
	shuttingDown         atomic.Bool
}

type workerRuntime struct {
	ring      *eventRing
	rng       *rand.Rand
	arenaBase Mark
}

const defaultEventRingCapacity = 1024
const defaultPerWorkerArena = 1 << 16 // 64 KiB

// NewScheduler validates cfg, instantiates every configured pool,
// spawns the worker thread pool, and launches it (spec.md §4.4:
// construction reserves the global arena, instantiates all pools,
// spawns workers, each bound to its own EXECUTE|WORKER pool).
func NewScheduler(cfg Config) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewProductionLogger()
	}
	metricz := cfg.Metrics
	if metricz == nil {
		metricz = NewMetrics()
	}

	s := &Scheduler{
		cfg:        cfg,
		logger:     logger,
		metricz:    metricz,
		freeByType: make(map[int][]int),
	}

	if cfg.GlobalMemorySize > 0 {
		s.globalArena = NewArena("global", cfg.GlobalMemorySize, true)
	}

	var workerInstanceIDs []int

	instanceID := 0
	for _, pt := range cfg.PoolTypes {
		for n := 0; n < pt.PoolCount; n++ {
			p := newTaskPool(instanceID, pt.Usage, pt.MaxActiveTasks, pt.LocalMemorySize)
			p.sched = s
			s.pools = append(s.pools, p)
			if pt.Usage.Has(UsageWorker) {
				workerInstanceIDs = append(workerInstanceIDs, instanceID)
			} else {
				s.freeByType[pt.PoolID] = append(s.freeByType[pt.PoolID], instanceID)
			}
			instanceID++
		}
	}
	s.workerPoolInstance = workerInstanceIDs

	perWorkerArena := cfg.PerWorkerArenaSize
	if perWorkerArena <= 0 {
		perWorkerArena = defaultPerWorkerArena
	}
	workerPool, err := NewWorkerThreadPool(WorkerThreadPoolConfig{
		ThreadCount:    cfg.WorkerThreadCount,
		PerThreadArena: perWorkerArena,
		Init:           s.workerInit,
		Main:           s.workerMain,
		PoolContext:    s,
	})
	if err != nil {
		logger.Error("worker thread pool init failed", zap.Error(err))
		return nil, err
	}
	s.workerPool = workerPool
	s.workerPool.Launch()

	logger.Info("scheduler started")
	return s, nil
}

func (s *Scheduler) workerInit(w *Worker) int {
	rt := &workerRuntime{
		ring: newEventRing(defaultEventRingCapacity),
		rng:  rand.New(rand.NewSource(int64(w.ThreadID)*2654435761 + 1)),
	}
	if w.Arena != nil {
		rt.arenaBase = w.Arena.Mark()
	}
	w.ThreadArgs = rt

	poolID := s.workerPoolInstance[w.ThreadID]
	s.pools[poolID].bindOwner(int64(w.ThreadID))
	rt.ring.push(Event{Kind: EventLaunch, Name: "worker", TimestampNs: nowNs(), ThreadID: w.ThreadID})
	return WorkerInitSuccess
}

// workerMain is invoked each time a worker is woken. It drains every
// available ready task across this worker's own pool and its peers
// before returning (at which point the worker re-parks on its wake
// channel until the next publish or explicit signal wakes it again) —
// spec.md §4.4 step 3: "no worker parks while any pool's deque is
// non-empty."
func (s *Scheduler) workerMain(w *Worker, signal uint64, reason WakeReason) {
	if reason == WakeExit {
		rt, _ := w.ThreadArgs.(*workerRuntime)
		if rt != nil {
			rt.ring.push(Event{Kind: EventFinish, Name: "worker", TimestampNs: nowNs(), ThreadID: w.ThreadID})
		}
		return
	}

	rt := w.ThreadArgs.(*workerRuntime)
	ownPoolID := s.workerPoolInstance[w.ThreadID]
	own := s.pools[ownPoolID]

	for {
		id, slot, ok := own.tryPop()
		if !ok {
			id, slot, ok = s.trySteal(ownPoolID, rt.rng)
		}
		if !ok {
			return
		}
		if !slot.executable() {
			// Published early (a root with outstanding children) but not
			// yet runnable. Nothing ties a TaskID's deque membership to
			// its own PoolID, so requeue it on `own` rather than its
			// owning pool — Push is only safe from a pool's own bound
			// owner thread, and this worker only owns `own`.
			own.deque.Push(id)
			continue
		}
		s.dispatch(own, id, slot, w, rt)
	}
}

// trySteal picks a victim pool via round-robin from a randomized offset
// and attempts a steal, skipping the calling worker's own pool and any
// pool whose usage lacks PUBLISH (it can never have ready tasks).
func (s *Scheduler) trySteal(excludePoolID int, rng *rand.Rand) (TaskID, *taskSlot, bool) {
	n := len(s.pools)
	if n <= 1 {
		return InvalidTaskID, nil, false
	}
	offset := rng.Intn(n)
	for i := 0; i < n; i++ {
		idx := (offset + i) % n
		if idx == excludePoolID {
			continue
		}
		if id, slot, ok := s.pools[idx].trySteal(); ok {
			return id, slot, true
		}
	}
	return InvalidTaskID, nil, false
}

func (s *Scheduler) dispatch(pool *TaskPool, id TaskID, slot *taskSlot, w *Worker, rt *workerRuntime) {
	slot.setState(taskRunning)
	begin := nowNs()
	rt.ring.push(Event{Kind: EventTaskBegin, TaskID: id, TimestampNs: begin, ThreadID: w.ThreadID})

	if w.Arena != nil {
		w.Arena.ResetTo(rt.arenaBase)
	}
	env := &TaskEnv{
		ThreadID:    w.ThreadID,
		Pool:        pool,
		Arena:       w.Arena,
		ContextData: s.cfg.TaskContextData,
		Logger:      s.logger,
		HostCPUInfo: s.cfg.HostCPUInfo,
		sched:       s,
		ring:        rt.ring,
		currentTask: id,
	}

	slot.entry(id, &slot.args, env)

	end := nowNs()
	rt.ring.push(Event{Kind: EventTaskEnd, TaskID: id, TimestampNs: end, DurationNs: end - begin, ThreadID: w.ThreadID})
	slot.setState(taskCompleting)

	if slot.workCount.Add(-1) == 0 {
		s.completeCascade(id, slot)
	}
}

// completeCascade implements spec.md §4.4's completion cascade: release
// permits, decrement the parent (recursively cascading), free the
// slot, and signal any fence observing this id.
func (s *Scheduler) completeCascade(id TaskID, slot *taskSlot) {
	slot.setState(taskCompleted)
	s.metricz.tasksCompleted.Inc()

	for _, successor := range slot.permits {
		if sp := s.poolFor(successor); sp != nil {
			sp.publishPermit(successor)
		}
	}
	slot.permits = slot.permits[:0]

	parent := slot.parent
	if owner := s.poolFor(id); owner != nil {
		owner.releaseSlot(id.SlotIndex())
	}
	s.signalFences(id)

	if !parent.Valid() {
		return
	}
	parentPool := s.poolFor(parent)
	if parentPool == nil {
		return
	}
	parentSlot := parentPool.resolve(parent)
	if parentSlot == nil {
		// Parent already freed by a prior completion; stale generation
		// is treated as a no-op per spec.md §7.
		return
	}
	if parentSlot.workCount.Add(-1) == 0 {
		s.completeCascade(parent, parentSlot)
	} else {
		// The parent may have just become executable (all children done,
		// hold already released) — wake a worker to pick it up rather
		// than rely on a wake that already happened earlier.
		s.wakeAnyWorker()
	}
}

func (s *Scheduler) signalFences(id TaskID) {
	s.fenceMu.Lock()
	fences := make([]*Fence, len(s.fences))
	copy(fences, s.fences)
	s.fenceMu.Unlock()
	for _, f := range fences {
		f.onRootCompleted(id)
	}
}

// poolFor returns the pool instance addressed by id's PoolID, or nil if
// out of range.
func (s *Scheduler) poolFor(id TaskID) *TaskPool {
	pid := id.PoolID()
	if pid < 0 || pid >= len(s.pools) {
		return nil
	}
	return s.pools[pid]
}

// resolveTaskID looks up the live descriptor for id, or nil if id is
// stale or malformed.
func (s *Scheduler) resolveTaskID(id TaskID) *taskSlot {
	if !id.Valid() {
		return nil
	}
	p := s.poolFor(id)
	if p == nil {
		return nil
	}
	return p.resolve(id)
}

func (s *Scheduler) metrics() *Metrics {
	return s.metricz
}

// wakeAnyWorker wakes a single parked worker to re-check for ready work.
func (s *Scheduler) wakeAnyWorker() {
	s.workerPool.SignalWorkers(1, 1)
}

func (s *Scheduler) registerFence(f *Fence) {
	s.fenceMu.Lock()
	s.fences = append(s.fences, f)
	s.fenceMu.Unlock()
}

// AddPermit arranges for successor (currently unpublished) to be
// published automatically when holder completes, independent of
// holder/successor's parent relationship (spec.md §3's permits list).
func (s *Scheduler) AddPermit(holder, successor TaskID) error {
	hp := s.poolFor(holder)
	if hp == nil {
		return newError(ErrInvalidID, "invalid permit holder task id")
	}
	if !successor.Valid() || s.poolFor(successor) == nil {
		return newError(ErrInvalidID, "invalid permit successor task id")
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	slot := hp.resolve(holder)
	if slot == nil {
		return newError(ErrInvalidID, "invalid permit holder task id")
	}
	slot.permits = append(slot.permits, successor)
	return nil
}

// AllocateTaskPool hands an unbound pool instance of the given pool
// type to a producer thread (spec.md §3: "assigned an owner thread ...
// on first call to allocate pool for this thread"). Pool types must not
// carry UsageWorker — those instances are pre-bound to scheduler workers.
func (s *Scheduler) AllocateTaskPool(poolTypeID int) (*TaskPool, error) {
	if s.shuttingDown.Load() {
		return nil, newError(ErrShuttingDown, "scheduler is shutting down")
	}
	s.freeMu.Lock()
	defer s.freeMu.Unlock()
	free := s.freeByType[poolTypeID]
	if len(free) == 0 {
		return nil, newError(ErrInvalidArg, "no unbound pool instances remain for this pool type")
	}
	instanceID := free[len(free)-1]
	s.freeByType[poolTypeID] = free[:len(free)-1]

	threadID := s.nextProducerThreadID.Add(1)
	p := s.pools[instanceID]
	p.bindOwner(threadID)
	return p, nil
}

// Metrics exposes the scheduler's Prometheus collectors for callers
// that want to serve /metrics themselves.
func (s *Scheduler) Metrics() *Metrics {
	return s.metricz
}

// Destroy broadcasts EXIT to every worker, joins them, and releases
// arenas. If any task slot is still occupied (most commonly a root
// whose finish_task_definition was never called, so its fence never
// fired) this logs a diagnostic warning rather than hanging forever —
// the watchdog described in spec.md §4.6.
func (s *Scheduler) Destroy() error {
	s.shuttingDown.Store(true)

	var stuck int
	for _, p := range s.pools {
		p.mu.Lock()
		stuck += len(p.slots) - len(p.free)
		p.mu.Unlock()
	}
	if stuck > 0 {
		s.logger.Warn("scheduler destroyed with tasks still outstanding",
			zap.Int("outstanding_tasks", stuck))
	}

	err := s.workerPool.Destroy()

	for _, p := range s.pools {
		if p.localArena != nil {
			p.localArena.Destroy()
		}
	}
	if s.globalArena != nil {
		s.globalArena.Destroy()
	}

	s.logger.Info("scheduler destroyed")
	return err
}
