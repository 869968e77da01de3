package tensor

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var workers atomic.Int32

func init() {
	workers.Store(int32(runtime.NumCPU()))
}

// SetWorkers bounds the goroutines a single kernel may use. n <= 0 resets to
// the number of CPUs.
func SetWorkers(n int) {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	workers.Store(int32(n))
}

func Workers() int { return int(workers.Load()) }

// parallelFor splits [0, n) into contiguous chunks and runs fn on each.
// Small ranges run inline.
func parallelFor(n int, fn func(lo, hi int)) {
	w := Workers()
	if w <= 1 || n < 2 {
		fn(0, n)
		return
	}
	if w > n {
		w = n
	}
	chunk := (n + w - 1) / w
	var g errgroup.Group
	g.SetLimit(w)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}
