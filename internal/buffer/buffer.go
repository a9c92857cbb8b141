// Package buffer owns synthetic pixel buffers and the fenced rotating pools
// that hand them to layers.
package buffer

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/roach88/compval/internal/format"
)

// Handle is the opaque identity of a buffer as a compositor sees it.
type Handle uint64

func (h Handle) String() string { return fmt.Sprintf("%#x", uint64(h)) }

// Buffer is pixel storage owned by exactly one pool slot.
type Buffer struct {
	Handle Handle
	Width  int
	Height int
	Format format.Format

	// Pixels is the synthetic content. YUV formats are backed by RGBA as
	// well; only the reference composer reads pixels.
	Pixels *image.RGBA

	// Generation is the content generation last written into the buffer
	// by its layer's fill pattern.
	Generation uint64

	bytes int
}

// Bounds returns the full buffer rectangle.
func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

// ErrAllocFailed is returned when an allocator cannot provide storage.
// It is a fatal resource error for the layer that asked.
var ErrAllocFailed = errors.New("buffer allocation failed")

// Allocator creates and frees buffers.
type Allocator interface {
	Allocate(w, h int, f format.Format) (*Buffer, error)
	Free(b *Buffer)
}

// HeapAllocator allocates buffers in process memory, optionally within a
// byte budget. Handles are assigned sequentially from a base.
//
// Thread-safety: safe for concurrent use; frees may come from an
// AsyncDestroyer goroutine.
type HeapAllocator struct {
	mu     sync.Mutex
	rules  *format.Rules
	limit  int
	used   int
	next   Handle
	allocs int
}

// NewHeapAllocator creates an allocator. limit is a byte budget; zero
// means unlimited.
func NewHeapAllocator(rules *format.Rules, limit int) *HeapAllocator {
	return &HeapAllocator{rules: rules, limit: limit, next: 0x10000}
}

// Allocate returns a zeroed buffer or an error wrapping ErrAllocFailed.
func (a *HeapAllocator) Allocate(w, h int, f format.Format) (*Buffer, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrAllocFailed, w, h)
	}
	size := a.rules.BufferBytes(f, w, h)

	a.mu.Lock()
	if a.limit > 0 && a.used+size > a.limit {
		used := a.used
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %dx%d %s needs %d bytes, %d of %d in use",
			ErrAllocFailed, w, h, f, size, used, a.limit)
	}
	a.used += size
	a.next++
	handle := a.next
	a.allocs++
	a.mu.Unlock()

	return &Buffer{
		Handle: handle,
		Width:  w,
		Height: h,
		Format: f,
		Pixels: image.NewRGBA(image.Rect(0, 0, w, h)),
		bytes:  size,
	}, nil
}

// Free returns the buffer's bytes to the budget.
func (a *HeapAllocator) Free(b *Buffer) {
	if b == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used -= b.bytes
	b.Pixels = nil
}

// Used returns the bytes currently allocated.
func (a *HeapAllocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Allocations returns the number of successful allocations.
func (a *HeapAllocator) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

// Destroyer takes ownership of buffers a pool no longer needs.
type Destroyer interface {
	Destroy(b *Buffer)
}

// AsyncDestroyer frees buffers on a background goroutine. Pools never wait
// for it: reuse safety comes from fences, not from destruction timing.
type AsyncDestroyer struct {
	alloc Allocator
	queue chan *Buffer
	wg    sync.WaitGroup
	once  sync.Once
}

// NewAsyncDestroyer starts the destruction goroutine.
func NewAsyncDestroyer(alloc Allocator, depth int) *AsyncDestroyer {
	d := &AsyncDestroyer{alloc: alloc, queue: make(chan *Buffer, depth)}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for b := range d.queue {
			d.alloc.Free(b)
		}
	}()
	return d
}

// Destroy queues b for freeing.
func (d *AsyncDestroyer) Destroy(b *Buffer) {
	d.queue <- b
}

// Close drains the queue and stops the goroutine.
func (d *AsyncDestroyer) Close() {
	d.once.Do(func() {
		close(d.queue)
		d.wg.Wait()
	})
}
