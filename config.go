package taskscheduler

// PoolUsage is a bitset describing what a pool type is permitted to do.
type PoolUsage uint8

const (
	// UsageDefine allows DefineTask/SpawnChildTask from the owning thread.
	UsageDefine PoolUsage = 1 << iota
	// UsageExecute allows the scheduler to dispatch tasks to a worker bound to this pool.
	UsageExecute
	// UsagePublish allows Publish/FinishTaskDefinition from the owning thread.
	UsagePublish
	// UsageWorker marks a pool as bound to a scheduler-owned worker thread
	// (as opposed to a producer thread that merely defines work).
	UsageWorker
)

func (u PoolUsage) Has(flag PoolUsage) bool { return u&flag != 0 }

// MinTasksPerPool and MaxTasksPerPool bound a pool type's MaxActiveTasks;
// both must be powers of two per spec.md §3.
const (
	MinTasksPerPool = 64
	MaxTasksPerPool = MaxTasksPerPoolLimit
)

// PoolTypeConfig describes one dense pool-type slot in a scheduler's
// configuration (spec.md §6).
type PoolTypeConfig struct {
	// PoolID is the dense index used in TaskID encoding and in PoolTypes[].
	PoolID int
	// Usage is the bitset of operations permitted on pools of this type.
	Usage PoolUsage
	// PoolCount is how many pool instances of this type the scheduler creates.
	PoolCount int
	// MaxIoRequests reserves an I/O request budget; no I/O driver is
	// specified here (spec.md §1 Out of scope), so this is bookkeeping only.
	MaxIoRequests int
	// MaxActiveTasks bounds the descriptor array capacity; must be a
	// power of two in [MinTasksPerPool, MaxTasksPerPool].
	MaxActiveTasks int
	// LocalMemorySize is the size, in bytes, of each pool instance's local arena.
	LocalMemorySize int
}

// Config configures a Scheduler at construction time (spec.md §6).
type Config struct {
	// WorkerThreadCount is the number of OS-thread-equivalent workers (>= 1).
	WorkerThreadCount int
	// GlobalMemorySize is the size, in bytes, of the scheduler-wide arena.
	GlobalMemorySize int
	// PerWorkerArenaSize is the size, in bytes, of each worker's private
	// scratch arena, reset before every task dispatch. Defaults to 64 KiB.
	PerWorkerArenaSize int
	// PoolTypes describes each distinct pool configuration. The PoolCount
	// values of all pool types carrying UsageWorker must sum to
	// WorkerThreadCount; each worker thread is bound to one instance.
	PoolTypes []PoolTypeConfig
	// TaskContextData is opaque data threaded through to every task's environment.
	TaskContextData any
	// Logger receives lifecycle and diagnostic messages. Defaults to a
	// zap-backed production logger if nil.
	Logger Logger
	// Metrics receives counters/gauges for scheduler activity. Defaults
	// to NewMetrics(), which registers against its own fresh Prometheus
	// registry rather than the default registerer.
	Metrics *Metrics
	// HostCPUInfo is passed through to tasks verbatim; the scheduler
	// does not interpret it (spec.md §1 Out of scope).
	HostCPUInfo *HostCPUInfo
}

// HostCPUInfo is the minimal host topology hint the scheduler threads
// through to tasks. Discovery of real topology is outside this
// package's scope (spec.md §1); callers populate this themselves.
type HostCPUInfo struct {
	PhysicalCores int
	LogicalCores  int
	NUMAGroups    int
}

func (c *Config) validate() error {
	if c.WorkerThreadCount < 1 {
		return newError(ErrInvalidArg, "worker_thread_count must be >= 1")
	}
	if len(c.PoolTypes) == 0 {
		return newError(ErrInvalidArg, "pool_type_count must be >= 1")
	}
	sawWorker := 0
	totalInstances := 0
	for i, pt := range c.PoolTypes {
		if pt.PoolID != i {
			return newError(ErrInvalidArg, "pool_types must be densely indexed by PoolID")
		}
		if pt.PoolCount < 1 {
			return newError(ErrInvalidArg, "pool_count must be >= 1")
		}
		if pt.MaxActiveTasks < MinTasksPerPool || pt.MaxActiveTasks > MaxTasksPerPool ||
			pt.MaxActiveTasks&(pt.MaxActiveTasks-1) != 0 {
			return newError(ErrInvalidArg, "max_active_tasks must be a power of two within bounds")
		}
		if pt.Usage.Has(UsageWorker) {
			sawWorker += pt.PoolCount
		}
		totalInstances += pt.PoolCount
	}
	if sawWorker != c.WorkerThreadCount {
		return newError(ErrInvalidArg, "worker-usage pool instances must equal worker_thread_count")
	}
	// TaskID's pool bits address pool instances densely (instance id ==
	// TaskID.PoolID()), not pool types, so the instance total — not the
	// type count — is what must fit the encoding.
	if totalInstances > MaxPoolsPerScheduler {
		return newError(ErrInvalidArg, "too many pool instances for TaskID encoding")
	}
	return nil
}
