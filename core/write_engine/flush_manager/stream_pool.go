package flushmanager

import (
	"fmt"
	"os"
	"sync"
)

// StreamPool is a bounded pool of read-only handles on one file. Handles are
// created on demand up to maxSize; callers block when every handle is in use.
type StreamPool struct {
	mu       sync.Mutex
	files    chan *os.File
	factory  func() (*os.File, error)
	maxSize  int
	numFiles int
	closed   bool
}

// NewStreamPool creates a pool that opens path read-only.
func NewStreamPool(path string, maxSize int) *StreamPool {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &StreamPool{
		files:   make(chan *os.File, maxSize),
		factory: func() (*os.File, error) { return os.Open(path) },
		maxSize: maxSize,
	}
}

// Get retrieves a handle, opening a new one if the pool is not full.
func (p *StreamPool) Get() (*os.File, error) {
	select {
	case f := <-p.files:
		return f, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("stream pool is closed")
	}
	if p.numFiles < p.maxSize {
		f, err := p.factory()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.numFiles++
		p.mu.Unlock()
		return f, nil
	}
	p.mu.Unlock()

	// Pool is full, block until a handle is returned.
	f, ok := <-p.files
	if !ok {
		return nil, fmt.Errorf("stream pool is closed")
	}
	return f, nil
}

// Put returns a handle to the pool.
func (p *StreamPool) Put(f *os.File) {
	if f == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		f.Close()
		p.numFiles--
		return
	}
	select {
	case p.files <- f:
	default:
		f.Close()
		p.numFiles--
	}
}

// Close closes every idle handle. Handles still checked out are closed when
// they are returned.
func (p *StreamPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.files)
	var firstErr error
	for f := range p.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.numFiles--
	}
	return firstErr
}
