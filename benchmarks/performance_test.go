package benchmarks

import (
	"fmt"
	"testing"

	"github.com/go-foundations/taskscheduler"
)

func BenchmarkFanout(b *testing.B) {
	sizes := []int{8, 64, 1024}
	for _, n := range sizes {
		b.Run(fmt.Sprintf("children_%d", n), func(b *testing.B) {
			benchmarkFanout(b, n)
		})
	}
}

func benchmarkFanout(b *testing.B, numChildren int) {
	sched := newBenchScheduler(b)
	defer sched.Destroy()

	producer, err := sched.AllocateTaskPool(0)
	if err != nil {
		b.Fatalf("allocate pool: %v", err)
	}

	noop := func(taskscheduler.TaskID, *taskscheduler.TaskArgs, *taskscheduler.TaskEnv) {}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var rootArgs taskscheduler.TaskArgs
		root, err := producer.DefineTask(noop, rootArgs, taskscheduler.InvalidTaskID)
		if err != nil {
			b.Fatalf("define root: %v", err)
		}
		for c := 0; c < numChildren; c++ {
			var childArgs taskscheduler.TaskArgs
			if _, err := producer.SpawnChildTask(noop, childArgs, root); err != nil {
				b.Fatalf("spawn child: %v", err)
			}
		}
		fence, err := sched.NewFence(root)
		if err != nil {
			b.Fatalf("new fence: %v", err)
		}
		if err := producer.FinishTaskDefinition(root); err != nil {
			b.Fatalf("finish definition: %v", err)
		}
		fence.Wait()
		fence.Destroy()
	}
}

func BenchmarkSteal(b *testing.B) {
	sched := newBenchScheduler(b)
	defer sched.Destroy()

	producer, err := sched.AllocateTaskPool(0)
	if err != nil {
		b.Fatalf("allocate pool: %v", err)
	}
	noop := func(taskscheduler.TaskID, *taskscheduler.TaskArgs, *taskscheduler.TaskEnv) {}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var rootArgs taskscheduler.TaskArgs
		root, err := producer.DefineTask(noop, rootArgs, taskscheduler.InvalidTaskID)
		if err != nil {
			b.Fatalf("define root: %v", err)
		}
		for c := 0; c < 256; c++ {
			var childArgs taskscheduler.TaskArgs
			if _, err := producer.SpawnChildTask(noop, childArgs, root); err != nil {
				b.Fatalf("spawn child: %v", err)
			}
		}
		fence, _ := sched.NewFence(root)
		if err := producer.FinishTaskDefinition(root); err != nil {
			b.Fatalf("finish definition: %v", err)
		}
		fence.Wait()
		fence.Destroy()
	}
}

func newBenchScheduler(b *testing.B) *taskscheduler.Scheduler {
	b.Helper()
	sched, err := taskscheduler.NewScheduler(taskscheduler.Config{
		WorkerThreadCount: 8,
		GlobalMemorySize:  1 << 20,
		Logger:            taskscheduler.NewNopLogger(),
		PoolTypes: []taskscheduler.PoolTypeConfig{
			{
				PoolID:         0,
				Usage:          taskscheduler.UsageDefine | taskscheduler.UsagePublish,
				PoolCount:      1,
				MaxActiveTasks: 4096,
			},
			{
				PoolID:          1,
				Usage:           taskscheduler.UsageExecute | taskscheduler.UsagePublish | taskscheduler.UsageWorker,
				PoolCount:       8,
				MaxActiveTasks:  4096,
				LocalMemorySize: 1 << 16,
			},
		},
	})
	if err != nil {
		b.Fatalf("scheduler create: %v", err)
	}
	return sched
}
