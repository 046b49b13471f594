// Package directory is the versioned key-value directory endpoints are published into.
//
// The contract follows a hierarchical, index-versioned store:
//
//	Get(root)            recursive read, returns the tree and a version index
//	Watch(root, index)   long-poll: blocks until something at or after index changes
//	Put(key, ttl, prev)  write with a time to live; prevExist selects create or update
//	Delete(key)          remove one key
//	CreateDir(root)      idempotent directory creation (ErrKeyExists when present)
//
// Three backends implement it: etcd v3 (Etcd), Consul KV (Consul) and an in-process
// store (Memory).
package directory

import (
	"context"
	"errors"
	"time"
)

// Change actions carried by Response.Action.
const (
	ActionGet              = "get"
	ActionSet              = "set"
	ActionCreate           = "create"
	ActionUpdate           = "update"
	ActionCompareAndSwap   = "compareAndSwap"
	ActionDelete           = "delete"
	ActionExpire           = "expire"
	ActionCompareAndDelete = "compareAndDelete"
)

var (
	ErrKeyExists      = errors.New("directory: key already exists")
	ErrKeyNotFound    = errors.New("directory: key not found")
	ErrWatchIndexLost = errors.New("directory: watch index no longer available")
	ErrClosed         = errors.New("directory: client closed")
)

// Node is one key of the directory tree. Directory nodes carry children in Nodes.
type Node struct {
	Key           string
	Value         string
	Dir           bool
	ModifiedIndex uint64
	Nodes         []*Node
}

// Response is the result of a read or one change delivered by a watch.
type Response struct {
	Action   string
	Node     *Node
	PrevNode *Node
	Index    uint64 // global index; zero when the backend did not report one
}

// Client is the directory as the discovery engine consumes it.
type Client interface {
	Get(ctx context.Context, root string) (*Response, error)
	Watch(ctx context.Context, root string, index uint64) ([]*Response, error)
	Put(ctx context.Context, key, value string, ttl time.Duration, prevExist bool) error
	Delete(ctx context.Context, key string) error
	CreateDir(ctx context.Context, root string) error
	Close() error
}

// IsRemoval reports whether action means the key is gone.
func IsRemoval(action string) bool {
	switch action {
	case ActionDelete, ActionExpire, ActionCompareAndDelete:
		return true
	}
	return false
}

// ResponseIndex returns the global index of resp, falling back to the highest
// modified index found in its tree when the global one is missing.
func ResponseIndex(resp *Response) uint64 {
	if resp == nil {
		return 0
	}
	if resp.Index != 0 {
		return resp.Index
	}
	return maxModifiedIndex(resp.Node)
}

func maxModifiedIndex(n *Node) uint64 {
	if n == nil {
		return 0
	}
	highest := n.ModifiedIndex
	for _, c := range n.Nodes {
		if m := maxModifiedIndex(c); m > highest {
			highest = m
		}
	}
	return highest
}

// Leaves flattens a tree to its value nodes.
func Leaves(n *Node) []*Node {
	if n == nil {
		return nil
	}
	if !n.Dir {
		return []*Node{n}
	}
	var out []*Node
	for _, c := range n.Nodes {
		out = append(out, Leaves(c)...)
	}
	return out
}
