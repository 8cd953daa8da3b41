package store

import (
	"container/list"
	"os"
	"sync"
)

const defaultMaxOpenFiles = 100

// handlePool is an LRU cache of open file handles keyed by file path.
// The file substrate keeps one pool of append handles and one of read
// handles so hot streams skip the open/close churn. Eviction closes the
// least recently used handle; a caller holding an evicted handle gets a
// write error, not corrupted bytes, since appends go through O_APPEND.
type handlePool struct {
	mu      sync.Mutex
	maxSize int
	open    func(string) (*os.File, error)
	entries map[string]*poolEntry
	lru     *list.List
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

func newWriterPool(maxSize int) *handlePool {
	return newHandlePool(maxSize, func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	})
}

func newReaderPool(maxSize int) *handlePool {
	return newHandlePool(maxSize, os.Open)
}

func newHandlePool(maxSize int, open func(string) (*os.File, error)) *handlePool {
	if maxSize <= 0 {
		maxSize = defaultMaxOpenFiles
	}
	return &handlePool{
		maxSize: maxSize,
		open:    open,
		entries: make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// acquire returns an open handle for path, opening one if needed. The
// pool owns the handle; callers must not close it.
func (p *handlePool) acquire(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := p.open(path)
	if err != nil {
		return nil, err
	}
	p.evictLocked()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.entries[path] = entry
	return file, nil
}

// remove closes and forgets the handle for path, if any.
func (p *handlePool) remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.entries, path)
	return entry.file.Close()
}

// closeAll closes every pooled handle.
func (p *handlePool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.entries {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.entries, path)
	}
	p.lru.Init()
	return lastErr
}

// size reports the number of open handles.
func (p *handlePool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// evictLocked drops the least recently used handle once the pool is
// full. Must be called with the lock held.
func (p *handlePool) evictLocked() {
	if len(p.entries) < p.maxSize {
		return
	}
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.entries, entry.path)
	entry.file.Close()
}
