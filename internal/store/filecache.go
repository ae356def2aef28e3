package store

import (
	"container/list"
	"os"
	"sync"
)

// fileCache bounds the number of simultaneously open backing files,
// closing the least-recently-used handle when the budget is hit
// (spec.md §4.3, open question (c)).
type fileCache struct {
	budget int
	mu     sync.Mutex
	order  *list.List // front = most recently used
	byIdx  map[int]*list.Element
}

type cacheEntry struct {
	fileIndex int
	f         *os.File
}

func newFileCache(budget int) *fileCache {
	if budget < 1 {
		budget = 1
	}
	return &fileCache{
		budget: budget,
		order:  list.New(),
		byIdx:  make(map[int]*list.Element),
	}
}

// open returns the handle for fileIndex, opening it via s.ensureFile on
// first use and evicting the least-recently-used handle if the cache is
// at capacity.
func (c *fileCache) open(s *Store, fileIndex int) (*os.File, error) {
	c.mu.Lock()
	if el, ok := c.byIdx[fileIndex]; ok {
		c.order.MoveToFront(el)
		f := el.Value.(*cacheEntry).f
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	f, err := s.ensureFile(fileIndex)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byIdx[fileIndex]; ok {
		// Lost a race with another opener; keep the existing handle.
		f.Close()
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).f, nil
	}
	if c.order.Len() >= c.budget {
		oldest := c.order.Back()
		if oldest != nil {
			entry := oldest.Value.(*cacheEntry)
			entry.f.Close()
			delete(c.byIdx, entry.fileIndex)
			c.order.Remove(oldest)
		}
	}
	el := c.order.PushFront(&cacheEntry{fileIndex: fileIndex, f: f})
	c.byIdx[fileIndex] = el
	return f, nil
}

func (c *fileCache) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for el := c.order.Front(); el != nil; el = el.Next() {
		if err := el.Value.(*cacheEntry).f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.order.Init()
	c.byIdx = make(map[int]*list.Element)
	return firstErr
}
