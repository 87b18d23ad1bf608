package taskscheduler

import (
	"sync/atomic"
	"unsafe"
)

// TaskArgsCapacity is the size, in bytes, of a task's inline argument
// payload. Arguments are copied by value into the descriptor at define
// time; there is no separate allocation or ownership to track.
const TaskArgsCapacity = 64

// TaskArgs is the fixed-size inline buffer backing a task's argument
// payload. Use PutTaskArgs/GetTaskArgs to write and read a typed value.
type TaskArgs [TaskArgsCapacity]byte

// PutTaskArgs copies v into dst's inline storage. It panics if v does
// not fit — callers size their argument structs against
// TaskArgsCapacity at compile time, so this is a programming error, not
// a runtime condition to recover from.
func PutTaskArgs[T any](dst *TaskArgs, v T) {
	var zero T
	if int(unsafe.Sizeof(zero)) > len(dst) {
		panic("taskscheduler: argument payload exceeds inline capacity")
	}
	*(*T)(unsafe.Pointer(&dst[0])) = v
}

// GetTaskArgs reinterprets src's inline storage as *T. The returned
// pointer aliases the task descriptor's storage and is only valid for
// the lifetime of the task's execution.
func GetTaskArgs[T any](src *TaskArgs) *T {
	return (*T)(unsafe.Pointer(&src[0]))
}

// TaskEntry is a task's entry point, invoked once per dispatch with the
// task's own id, its argument payload, and the executing worker's
// environment.
type TaskEntry func(id TaskID, args *TaskArgs, env *TaskEnv)

// taskState models the per-task state machine from the spec:
// FREE -> DEFINING -> UNPUBLISHED -> READY -> RUNNING -> COMPLETING -> COMPLETED -> FREE.
type taskState int32

const (
	taskFree taskState = iota
	taskDefining
	taskUnpublished
	taskReady
	taskRunning
	taskCompleting
	taskCompleted
)

func (s taskState) String() string {
	switch s {
	case taskFree:
		return "FREE"
	case taskDefining:
		return "DEFINING"
	case taskUnpublished:
		return "UNPUBLISHED"
	case taskReady:
		return "READY"
	case taskRunning:
		return "RUNNING"
	case taskCompleting:
		return "COMPLETING"
	case taskCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// taskSlot is one entry in a TaskPool's fixed descriptor array. Fields
// other than workCount and state are written only by the owning pool
// and are read-only elsewhere until the task completes (spec.md §5).
type taskSlot struct {
	entry         TaskEntry
	args          TaskArgs
	parent        TaskID
	workCount     atomic.Int32
	permits       []TaskID
	ioRequestSlot int
	poolID        int
	generation    int
	state         atomic.Int32
	free          bool

	// needsFinish is true from DefineTask until whichever of Publish,
	// FinishTaskDefinition or publishPermit first makes this (parentless)
	// task visible —
	// the operation that releases its extra "still defining" work_count
	// unit. Always false for a task spawned via SpawnChildTask.
	needsFinish bool
}

func (s *taskSlot) id(slotIndex int) TaskID {
	return makeTaskID(s.poolID, s.generation, slotIndex)
}

func (s *taskSlot) setState(st taskState) {
	s.state.Store(int32(st))
}

func (s *taskSlot) loadState() taskState {
	return taskState(s.state.Load())
}

// executable reports whether this slot's task is ready for dispatch:
// work_count == 1 and it has been published (state == READY).
func (s *taskSlot) executable() bool {
	return s.loadState() == taskReady && s.workCount.Load() == 1
}

// complete reports whether this slot's task has finished (work_count == 0).
func (s *taskSlot) complete() bool {
	return s.workCount.Load() == 0
}
