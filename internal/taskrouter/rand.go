package taskrouter

import (
	"math/rand"
	"sync"
	"time"
)

// lockedRand wraps a *rand.Rand with a mutex so the router's tie-break draw
// is safe to call from multiple goroutines routing concurrently.
type lockedRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &lockedRand{src: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Intn(n)
}
