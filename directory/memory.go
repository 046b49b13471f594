package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultHistory = 1024

// Memory is an in-process directory with the same index, TTL and watch semantics as the
// remote backends. One instance can be shared by several engines of one process.
type Memory struct {
	mu         sync.Mutex
	index      uint64
	entries    map[string]*memEntry
	history    []*Response
	maxHistory int
	oldest     uint64        // changes before this index were dropped from history
	changed    chan struct{} // closed and replaced on every change
	closed     bool
}

type memEntry struct {
	value    string
	dir      bool
	modified uint64
	timer    *time.Timer
}

// NewMemory creates an empty directory keeping the last maxHistory changes for
// watchers; maxHistory <= 0 selects a default.
func NewMemory(maxHistory int) *Memory {
	if maxHistory <= 0 {
		maxHistory = defaultHistory
	}
	return &Memory{
		entries:    make(map[string]*memEntry),
		maxHistory: maxHistory,
		changed:    make(chan struct{}),
	}
}

// Index returns the current global index.
func (m *Memory) Index() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// Value returns the value stored at key.
func (m *Memory) Value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.dir {
		return "", false
	}
	return e.value, true
}

func (m *Memory) Get(ctx context.Context, root string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	root = cleanKey(root)
	prefix := root + "/"
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	rootEntry, rootExists := m.entries[root]
	if !rootExists && len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	sort.Strings(keys)

	top := &Node{Key: root, Dir: true}
	if rootExists {
		top.ModifiedIndex = rootEntry.modified
	}
	dirs := map[string]*Node{root: top}
	for _, k := range keys {
		e := m.entries[k]
		if e.dir {
			m.dirNode(dirs, k).ModifiedIndex = e.modified
			continue
		}
		parent := m.dirNode(dirs, k[:strings.LastIndex(k, "/")])
		parent.Nodes = append(parent.Nodes, &Node{Key: k, Value: e.value, ModifiedIndex: e.modified})
	}
	return &Response{Action: ActionGet, Node: top, Index: m.index}, nil
}

// dirNode returns the directory node for key, creating missing ancestors.
func (m *Memory) dirNode(dirs map[string]*Node, key string) *Node {
	if n, ok := dirs[key]; ok {
		return n
	}
	parent := m.dirNode(dirs, key[:strings.LastIndex(key, "/")])
	n := &Node{Key: key, Dir: true}
	parent.Nodes = append(parent.Nodes, n)
	dirs[key] = n
	return n
}

func (m *Memory) Watch(ctx context.Context, root string, index uint64) ([]*Response, error) {
	root = cleanKey(root)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if index < m.oldest {
			m.mu.Unlock()
			return nil, ErrWatchIndexLost
		}
		var out []*Response
		for _, r := range m.history {
			if r.Index >= index && underRoot(root, r.Node.Key) {
				out = append(out, r)
			}
		}
		changed := m.changed
		m.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (m *Memory) Put(ctx context.Context, key, value string, ttl time.Duration, prevExist bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	key = cleanKey(key)
	prev, exists := m.entries[key]
	switch {
	case !prevExist && exists:
		return ErrKeyExists
	case prevExist && !exists:
		return ErrKeyNotFound
	}

	action := ActionCreate
	var prevNode *Node
	if exists {
		action = ActionUpdate
		prevNode = &Node{Key: key, Value: prev.value, ModifiedIndex: prev.modified}
		if prev.timer != nil {
			prev.timer.Stop()
		}
	}

	m.index++
	e := &memEntry{value: value, modified: m.index}
	if ttl > 0 {
		modified := m.index
		e.timer = time.AfterFunc(ttl, func() { m.expire(key, modified) })
	}
	m.entries[key] = e
	m.record(&Response{
		Action:   action,
		Node:     &Node{Key: key, Value: value, ModifiedIndex: m.index},
		PrevNode: prevNode,
		Index:    m.index,
	})
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	key = cleanKey(key)
	if !m.remove(key, ActionDelete) {
		return ErrKeyNotFound
	}
	return nil
}

func (m *Memory) CreateDir(ctx context.Context, root string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	root = cleanKey(root)
	if _, ok := m.entries[root]; ok {
		return ErrKeyExists
	}
	m.index++
	m.entries[root] = &memEntry{dir: true, modified: m.index}
	m.record(&Response{
		Action: ActionCreate,
		Node:   &Node{Key: root, Dir: true, ModifiedIndex: m.index},
		Index:  m.index,
	})
	return nil
}

// Expire drops key as if its TTL had run out.
func (m *Memory) Expire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(cleanKey(key), ActionExpire)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	close(m.changed)
	return nil
}

func (m *Memory) expire(key string, modified uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if e, ok := m.entries[key]; ok && e.modified == modified {
		m.remove(key, ActionExpire)
	}
}

// remove must be called with mu held.
func (m *Memory) remove(key, action string) bool {
	e, ok := m.entries[key]
	if !ok || e.dir {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.entries, key)
	m.index++
	m.record(&Response{
		Action:   action,
		Node:     &Node{Key: key, ModifiedIndex: m.index},
		PrevNode: &Node{Key: key, Value: e.value, ModifiedIndex: e.modified},
		Index:    m.index,
	})
	return true
}

// record must be called with mu held.
func (m *Memory) record(r *Response) {
	m.history = append(m.history, r)
	if len(m.history) > m.maxHistory {
		m.history[0] = nil
		m.history = m.history[1:]
		m.oldest = m.history[0].Index
	}
	close(m.changed)
	m.changed = make(chan struct{})
}

func cleanKey(key string) string {
	return "/" + strings.Trim(key, "/")
}

func underRoot(root, key string) bool {
	return key == root || strings.HasPrefix(key, root+"/")
}
