package dispatch

import (
	"math/rand"
	"sync"
	"time"
)

// Rand is the random source used for jitter, backoff and referrer picks.
// Implementations must be safe for concurrent use.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// NewRand returns a goroutine-safe source seeded with seed. Tests pass a fixed
// seed to get reproducible jitter sequences.
func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func newTimeSeededRand() Rand { return NewRand(time.Now().UnixNano()) }

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	v := l.r.Float64()
	l.mu.Unlock()
	return v
}

func (l *lockedRand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	l.mu.Lock()
	v := l.r.Intn(n)
	l.mu.Unlock()
	return v
}

// uniform returns a sample from U(lo, hi).
func uniform(r Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}
