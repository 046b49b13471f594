package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	consulWatchWait     = 5 * time.Minute
	consulCloseTimeout  = 5 * time.Second
	consulSessionPrefix = "mini-wire "
)

// Consul implements Client on the Consul KV store.
//
// Consul keys carry no leading slash; the slash is added back on every key returned.
// The KV index is the directory index and Watch is a blocking List query on
// WaitIndex. A blocking query returns the whole prefix, so single-key changes are
// derived by diffing against the previous listing of the same root.
//
// TTLs are sessions created with Behavior=delete: the key is locked by its session and
// disappears when the session is not renewed in time.
type Consul struct {
	client *consulapi.Client
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]string                       // key → session holding it
	listings map[string]map[string]*consulapi.KVPair // root → last listing
}

// NewConsul connects to the Consul agent at addr.
func NewConsul(addr, token string, logger *zap.Logger) (*Consul, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("directory: connect consul: %w", err)
	}
	return &Consul{
		client:   cli,
		log:      logger.Named("consul"),
		sessions: make(map[string]string),
		listings: make(map[string]map[string]*consulapi.KVPair),
	}, nil
}

func (c *Consul) Get(ctx context.Context, root string) (*Response, error) {
	root = cleanKey(root)
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	pairs, meta, err := c.client.KV().List(consulKey(root)+"/", q)
	if err != nil {
		return nil, err
	}

	top := &Node{Key: root, Dir: true}
	listing := make(map[string]*consulapi.KVPair, len(pairs))
	for _, p := range pairs {
		if strings.HasSuffix(p.Key, "/") {
			continue // folder marker
		}
		listing[p.Key] = p
		top.Nodes = append(top.Nodes, &Node{
			Key:           "/" + p.Key,
			Value:         string(p.Value),
			ModifiedIndex: p.ModifyIndex,
		})
	}
	c.mu.Lock()
	c.listings[root] = listing
	c.mu.Unlock()

	return &Response{Action: ActionGet, Node: top, Index: meta.LastIndex}, nil
}

func (c *Consul) Watch(ctx context.Context, root string, index uint64) ([]*Response, error) {
	root = cleanKey(root)
	q := &consulapi.QueryOptions{WaitTime: consulWatchWait}
	if index > 0 {
		q.WaitIndex = index - 1
	}
	for {
		pairs, meta, err := c.client.KV().List(consulKey(root)+"/", q.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		if meta.LastIndex < q.WaitIndex {
			// the index went backwards, e.g. after a snapshot restore
			return nil, fmt.Errorf("%w: consul index reset to %d", ErrWatchIndexLost, meta.LastIndex)
		}
		if changes := c.diff(root, pairs, meta.LastIndex); len(changes) > 0 {
			return changes, nil
		}
		q.WaitIndex = meta.LastIndex
	}
}

// diff turns a new listing of root into per-key changes and remembers it.
func (c *Consul) diff(root string, pairs consulapi.KVPairs, index uint64) []*Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.listings[root]
	cur := make(map[string]*consulapi.KVPair, len(pairs))
	var out []*Response
	for _, p := range pairs {
		if strings.HasSuffix(p.Key, "/") {
			continue
		}
		cur[p.Key] = p
		node := &Node{Key: "/" + p.Key, Value: string(p.Value), ModifiedIndex: p.ModifyIndex}
		old, ok := prev[p.Key]
		switch {
		case !ok:
			out = append(out, &Response{Action: ActionCreate, Node: node, Index: index})
		case old.ModifyIndex != p.ModifyIndex:
			out = append(out, &Response{
				Action:   ActionUpdate,
				Node:     node,
				PrevNode: &Node{Key: "/" + old.Key, Value: string(old.Value), ModifiedIndex: old.ModifyIndex},
				Index:    index,
			})
		}
	}
	for key, old := range prev {
		if _, ok := cur[key]; !ok {
			out = append(out, &Response{
				Action:   ActionDelete,
				Node:     &Node{Key: "/" + key, ModifiedIndex: index},
				PrevNode: &Node{Key: "/" + key, Value: string(old.Value), ModifiedIndex: old.ModifyIndex},
				Index:    index,
			})
		}
	}
	c.listings[root] = cur

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Node.ModifiedIndex < out[j].Node.ModifiedIndex
	})
	return out
}

func (c *Consul) Put(ctx context.Context, key, value string, ttl time.Duration, prevExist bool) error {
	key = cleanKey(key)
	ck := consulKey(key)
	q := (&consulapi.QueryOptions{}).WithContext(ctx)

	var (
		sid   string
		reuse bool
	)
	check := &consulapi.KVTxnOp{Verb: consulapi.KVCheckNotExists, Key: ck}
	if prevExist {
		pair, _, err := c.client.KV().Get(ck, q)
		if err != nil {
			return err
		}
		if pair == nil {
			return ErrKeyNotFound
		}
		// a key locked by a live session can only be rewritten by that session
		if tracked := c.sessionOf(key); ttl > 0 && tracked != "" {
			alive, err := c.renew(ctx, tracked)
			if err != nil {
				return err
			}
			if alive {
				sid, reuse = tracked, true
				if pair.Session == sid && string(pair.Value) == value {
					return nil
				}
			}
		}
		check = &consulapi.KVTxnOp{Verb: consulapi.KVCheckIndex, Key: ck, Index: pair.ModifyIndex}
	}

	write := &consulapi.KVTxnOp{Verb: consulapi.KVSet, Key: ck, Value: []byte(value)}
	if ttl > 0 {
		if sid == "" {
			var err error
			if sid, err = c.createSession(ctx, key, ttl); err != nil {
				return err
			}
		}
		write.Verb = consulapi.KVLock
		write.Session = sid
	}

	ok, _, _, err := c.client.Txn().Txn(consulapi.TxnOps{{KV: check}, {KV: write}}, q)
	if err != nil || !ok {
		if !reuse {
			c.destroy(ctx, sid)
		}
		if err != nil {
			return err
		}
		if prevExist {
			return ErrKeyNotFound
		}
		return ErrKeyExists
	}

	c.mu.Lock()
	old := c.sessions[key]
	if sid != "" {
		c.sessions[key] = sid
	} else {
		delete(c.sessions, key)
	}
	c.mu.Unlock()
	if old != sid {
		// the old session no longer locks the key, dropping it deletes nothing
		c.destroy(ctx, old)
	}
	return nil
}

func (c *Consul) Delete(ctx context.Context, key string) error {
	key = cleanKey(key)
	ck := consulKey(key)
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	pair, _, err := c.client.KV().Get(ck, q)
	if err != nil {
		return err
	}
	if _, err := c.client.KV().Delete(ck, (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return err
	}

	c.mu.Lock()
	sid := c.sessions[key]
	delete(c.sessions, key)
	c.mu.Unlock()
	c.destroy(ctx, sid)

	if pair == nil {
		return ErrKeyNotFound
	}
	return nil
}

// CreateDir writes the folder key root+"/" with a check-and-set on index 0.
func (c *Consul) CreateDir(ctx context.Context, root string) error {
	pair := &consulapi.KVPair{Key: consulKey(cleanKey(root)) + "/"}
	ok, _, err := c.client.KV().CAS(pair, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// Close destroys every session this client still holds, which deletes their keys.
func (c *Consul) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]string)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), consulCloseTimeout)
	defer cancel()
	var errs error
	for _, sid := range sessions {
		_, err := c.client.Session().Destroy(sid, (&consulapi.WriteOptions{}).WithContext(ctx))
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (c *Consul) sessionOf(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[key]
}

func (c *Consul) createSession(ctx context.Context, key string, ttl time.Duration) (string, error) {
	sid, _, err := c.client.Session().Create(&consulapi.SessionEntry{
		Name:      consulSessionPrefix + key,
		TTL:       ttl.String(),
		Behavior:  consulapi.SessionBehaviorDelete,
		LockDelay: time.Millisecond,
	}, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("directory: consul session: %w", err)
	}
	return sid, nil
}

// renew reports false when the session no longer exists.
func (c *Consul) renew(ctx context.Context, sid string) (bool, error) {
	entry, _, err := c.client.Session().Renew(sid, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

func (c *Consul) destroy(ctx context.Context, sid string) {
	if sid == "" {
		return
	}
	if _, err := c.client.Session().Destroy(sid, (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		c.log.Debug("session destroy failed", zap.String("session", sid), zap.Error(err))
	}
}

func consulKey(key string) string {
	return strings.TrimPrefix(key, "/")
}
