package loadbalance

import "sync/atomic"

// RoundRobin cycles through the items in order. The zero value is ready to use.
type RoundRobin[T any] struct {
	counter atomic.Uint64
}

// Next returns the index to use among n slots.
func (b *RoundRobin[T]) Next(n int) int {
	if n <= 0 {
		return 0
	}
	return int((b.counter.Add(1) - 1) % uint64(n))
}

func (b *RoundRobin[T]) Pick(items []T) (T, error) {
	if len(items) == 0 {
		var zero T
		return zero, ErrNoInstances
	}
	return items[b.Next(len(items))], nil
}

func (b *RoundRobin[T]) Name() string {
	return "RoundRobin"
}
