package loadbalance

import (
	"hash/crc32"
	"slices"
	"strconv"
)

const DefaultReplicas = 100

// ConsistentHash maps keys onto a ring of items. Each item is placed at several
// virtual points so a small set still spreads evenly:
//
//	       0
//	     ╱   ╲
//	B ●         ● A
//	  │ key ◆──►│      (clockwise to the nearest point → A)
//	C ●         ● A'   (virtual point of A)
//	     ╲   ╱
//
// It is not safe for concurrent Add and Pick; build a ring, then read it.
type ConsistentHash[T any] struct {
	replicas int
	name     func(T) string
	ring     []uint32
	nodes    map[uint32]T
}

// NewConsistentHash creates an empty ring. name identifies an item and must be stable.
func NewConsistentHash[T any](replicas int, name func(T) string) *ConsistentHash[T] {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &ConsistentHash[T]{
		replicas: replicas,
		name:     name,
		nodes:    make(map[uint32]T),
	}
}

// Add places items on the ring.
func (b *ConsistentHash[T]) Add(items ...T) {
	for _, item := range items {
		base := b.name(item) + "#"
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(base + strconv.Itoa(i)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = item
		}
	}
	slices.Sort(b.ring)
}

// PickKey returns the item owning key.
func (b *ConsistentHash[T]) PickKey(key string) (T, error) {
	if len(b.ring) == 0 {
		var zero T
		return zero, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx, _ := slices.BinarySearch(b.ring, hash)
	if idx == len(b.ring) {
		idx = 0 // wrap around
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHash[T]) Len() int {
	return len(b.ring) / b.replicas
}

func (b *ConsistentHash[T]) Name() string {
	return "ConsistentHash"
}
