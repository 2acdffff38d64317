package runner

import "sync"

// FanOut runs n instances of job concurrently and collects their errors.
// Every instance gets its own goroutine with no admission gate: the clients
// have to arrive at the daemon together for the lock-ordering race to open,
// so no launch may wait behind another.
func FanOut(n int, job func(i int) error) []error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := job(i); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return errs
}
