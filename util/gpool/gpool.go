// Package gpool provides a typed wrapper around sync.Pool.
package gpool

import "sync"

// Pool is a sync.Pool holding values of type T.
type Pool[T any] struct {
	pool sync.Pool
}

// New returns a pool that calls newFunc when it is empty.
func New[T any](newFunc func() T) *Pool[T] {
	p := &Pool[T]{}
	p.pool.New = func() any { return newFunc() }
	return p
}

// Get removes a value from the pool, or creates one if the pool is empty.
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns val to the pool.
func (p *Pool[T]) Put(val T) {
	p.pool.Put(val)
}
