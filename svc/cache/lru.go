package cache

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU holds encoded records by store id. Records are immutable, so entries
// never expire; they are only evicted.
type LRU struct {
	c  *lru.Cache[int64, []byte]
	mu sync.Mutex
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[int64, []byte](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}
func (l *LRU) Get(ctx context.Context, id int64) ([]byte, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Get(id)
}
func (l *LRU) Set(id int64, blob []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(id, blob)
}
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
