package server

import "sync"

// scanLimiter bounds the number of passes running at once. A non-positive
// max disables the bound.
type scanLimiter struct {
	max    int
	mu     sync.Mutex
	active int
}

func newScanLimiter(max int) *scanLimiter {
	return &scanLimiter{max: max}
}

func (l *scanLimiter) Acquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	metricScansInFlight.Set(float64(l.active))
	return true
}

func (l *scanLimiter) Release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
	metricScansInFlight.Set(float64(l.active))
}

func (l *scanLimiter) Active() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
