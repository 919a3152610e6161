// Package dedup remembers recently persisted idempotency keys so redelivered
// messages can be acknowledged without touching storage.
package dedup

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Window is a bounded set of the most recently seen keys
type Window struct {
	cache *lru.Cache[string, struct{}]
}

// NewWindow creates a window holding at most size keys
func NewWindow(size int) (*Window, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup window: %w", err)
	}
	return &Window{cache: cache}, nil
}

// Seen reports whether key is in the window
func (w *Window) Seen(key string) bool {
	return w.cache.Contains(key)
}

// Add records key, evicting the oldest key when full
func (w *Window) Add(key string) {
	w.cache.Add(key, struct{}{})
}

// Len returns the number of keys held
func (w *Window) Len() int {
	return w.cache.Len()
}

// Partitions holds one Window per queue partition
type Partitions struct {
	size    int
	mu      sync.Mutex
	windows map[int32]*Window
}

// NewPartitions creates an empty set of windows, each bounded by size
func NewPartitions(size int) (*Partitions, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dedup window size must be positive, got %d", size)
	}
	return &Partitions{
		size:    size,
		windows: make(map[int32]*Window),
	}, nil
}

// For returns the window for partition, creating it on first use
func (p *Partitions) For(partition int32) *Window {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.windows[partition]
	if !ok {
		// size was validated in NewPartitions
		w, _ = NewWindow(p.size)
		p.windows[partition] = w
	}
	return w
}

// Retain drops the windows of every partition not in keep.
// It is called after a rebalance with the partitions this instance now owns.
func (p *Partitions) Retain(keep []int32) {
	owned := make(map[int32]struct{}, len(keep))
	for _, partition := range keep {
		owned[partition] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for partition := range p.windows {
		if _, ok := owned[partition]; !ok {
			delete(p.windows, partition)
		}
	}
}

// Len returns the number of partitions with a window
func (p *Partitions) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.windows)
}
