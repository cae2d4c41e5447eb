package storage

import "time"

// runEvery calls fn on every tick until done is closed.
func runEvery(interval time.Duration, done <-chan struct{}, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fn()
		}
	}
}
