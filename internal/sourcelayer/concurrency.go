package sourcelayer

import "golang.org/x/sync/errgroup"

// forEachLayer runs fn(i) for i in [0, n) with bounded parallelism.
func forEachLayer(n, concurrency int, fn func(i int) error) error {
	if concurrency <= 0 {
		concurrency = 4
	}
	if concurrency > n {
		concurrency = n
	}
	if concurrency <= 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}
