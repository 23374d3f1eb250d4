// Package workers divides index ranges across goroutines.
package workers

import (
	"runtime"
	"sync"
)

// Count returns n if it is positive, otherwise the number of available CPUs.
func Count(n int) int {
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Split divides [0, n) into contiguous chunks, one per worker, and runs fn on
// each chunk concurrently. It returns once every chunk has finished.
func Split(n, numWorkers int, fn func(worker, start, end int)) {
	if n <= 0 {
		return
	}
	numWorkers = Count(numWorkers)
	if numWorkers > n {
		numWorkers = n
	}

	perWorker := (n + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * perWorker
		end := start + perWorker
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(worker, start, end int) {
			defer wg.Done()
			fn(worker, start, end)
		}(w, start, end)
	}
	wg.Wait()
}
