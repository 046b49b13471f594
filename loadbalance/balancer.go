// Package loadbalance picks one target among several equivalent ones.
//
//   - RoundRobin:     equal targets, spread calls evenly
//   - ConsistentHash: the same key sticks to the same target while the set is stable
package loadbalance

import "errors"

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer picks one of items. Implementations are safe for concurrent use.
type Balancer[T any] interface {
	Pick(items []T) (T, error)
	Name() string
}
