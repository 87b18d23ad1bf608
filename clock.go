package taskscheduler

import "time"

var processStart = time.Now()

// nowNs returns monotonic nanoseconds since the scheduler package was
// loaded, suitable for ordering Events within and across workers.
func nowNs() int64 {
	return time.Since(processStart).Nanoseconds()
}
