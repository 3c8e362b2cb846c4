package ml

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// TaskError reports a fault raised by one dispatched task.
type TaskError struct {
	Index int
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %d: %v", e.Index, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// RunAll submits n tasks to exec and blocks until every one of them has
// finished, in whatever order they complete. Each task receives its own
// index and should only write to storage owned by that index.
//
// Errors and panics are captured per task and never leave the barrier
// waiting. The lowest-index fault is returned as a *TaskError.
func RunAll(exec Executor, n int, task func(i int) error) error {
	if n <= 0 {
		return nil
	}
	faults := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		exec.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					faults[i] = errors.Errorf("panic: %v", r)
				}
			}()
			faults[i] = task(i)
		})
	}
	wg.Wait()

	for i, err := range faults {
		if err != nil {
			return &TaskError{Index: i, Err: err}
		}
	}
	return nil
}
