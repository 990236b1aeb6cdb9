package osal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/gistack/internal/fault"
)

var (
	// ErrPoolExhausted is returned by Alloc when every block is in use.
	ErrPoolExhausted = fmt.Errorf("osal: pool exhausted: %w", fault.ErrResourceExhausted)
	// ErrDoubleFree is returned by Free for a block that is already free.
	ErrDoubleFree = errors.New("osal: block freed twice")
	// ErrForeignBlock is returned by Free for a block another pool owns.
	ErrForeignBlock = errors.New("osal: block does not belong to pool")
)

// Pool is a fixed-block allocator over a backing array supplied at
// creation. Allocation and release are serialized by the pool itself;
// callers never hold a lock across them.
type Pool[T any] struct {
	name string

	mu     sync.Mutex
	blocks []T
	index  map[*T]int
	free   []int // LIFO of free block indices
	inUse  []bool
}

// NewPool allocates backing storage for count blocks.
func NewPool[T any](name string, count int) (*Pool[T], error) {
	if count <= 0 {
		return nil, fault.Configf(name+".blocks", "must be positive, got %d", count)
	}
	return NewPoolFrom(name, make([]T, count))
}

// NewPoolFrom builds a pool over caller-provided backing memory. The pool
// takes ownership of backing.
func NewPoolFrom[T any](name string, backing []T) (*Pool[T], error) {
	if len(backing) == 0 {
		return nil, fault.Configf(name+".blocks", "backing memory is empty")
	}
	p := &Pool[T]{
		name:   name,
		blocks: backing,
		index:  make(map[*T]int, len(backing)),
		free:   make([]int, len(backing)),
		inUse:  make([]bool, len(backing)),
	}
	for i := range backing {
		p.index[&backing[i]] = i
		// Hand out low indices first.
		p.free[i] = len(backing) - 1 - i
	}
	return p, nil
}

// Name returns the tag given at creation.
func (p *Pool[T]) Name() string { return p.name }

// Alloc takes one block. Its contents are whatever the previous owner left
// in it; callers initialize every field they rely on.
func (p *Pool[T]) Alloc() (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return nil, ErrPoolExhausted
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse[idx] = true
	return &p.blocks[idx], nil
}

// Free returns b to the pool.
func (p *Pool[T]) Free(b *T) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrForeignBlock)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.index[b]
	if !ok {
		return fmt.Errorf("%w: %s", ErrForeignBlock, p.name)
	}
	if !p.inUse[idx] {
		return fmt.Errorf("%w: %s[%d]", ErrDoubleFree, p.name, idx)
	}
	p.inUse[idx] = false
	p.free = append(p.free, idx)
	return nil
}

// Cap is the total number of blocks.
func (p *Pool[T]) Cap() int { return len(p.blocks) }

// Available is the number of free blocks.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse is the number of allocated blocks.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks) - len(p.free)
}
