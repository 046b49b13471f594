package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const revokeTimeout = 5 * time.Second

// Etcd implements Client on etcd v3.
//
// etcd v3 has a flat keyspace, so the tree is a key prefix:
//
//	Key:   {root}/{zone}/{node}/{id}
//	Value: the encoded endpoint
//
// The store revision plays the role of the index. A TTL is a lease granted for the
// put; renewing a key re-puts it on a fresh lease and revokes the previous one, so a
// process that stops renewing leaves no "ghost" entries behind.
type Etcd struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease currently attached to it
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string, dialTimeout time.Duration, tlsConfig *tls.Config, logger *zap.Logger) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		TLS:         tlsConfig,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("directory: connect etcd: %w", err)
	}
	return NewEtcdFromClient(c, logger), nil
}

// NewEtcdFromClient wraps an existing client. Close closes it.
func NewEtcdFromClient(c *clientv3.Client, logger *zap.Logger) *Etcd {
	return &Etcd{
		client: c,
		log:    logger.Named("etcd"),
		leases: make(map[string]clientv3.LeaseID),
	}
}

func (e *Etcd) Get(ctx context.Context, root string) (*Response, error) {
	root = cleanKey(root)
	resp, err := e.client.Get(ctx, root+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	top := &Node{Key: root, Dir: true}
	for _, kv := range resp.Kvs {
		top.Nodes = append(top.Nodes, &Node{
			Key:           string(kv.Key),
			Value:         string(kv.Value),
			ModifiedIndex: uint64(kv.ModRevision),
		})
	}
	out := &Response{Action: ActionGet, Node: top}
	if resp.Header != nil {
		out.Index = uint64(resp.Header.Revision)
	}
	return out, nil
}

// Watch blocks until at least one key under root changes at or after index.
// A compacted index yields ErrWatchIndexLost; the caller must re-read.
func (e *Etcd) Watch(ctx context.Context, root string, index uint64) ([]*Response, error) {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	root = cleanKey(root)
	ch := e.client.Watch(wctx, root+"/",
		clientv3.WithPrefix(),
		clientv3.WithRev(int64(index)),
		clientv3.WithPrevKV())

	for wresp := range ch {
		if wresp.CompactRevision != 0 {
			return nil, fmt.Errorf("%w: compacted at revision %d", ErrWatchIndexLost, wresp.CompactRevision)
		}
		if err := wresp.Err(); err != nil {
			return nil, fmt.Errorf("directory: etcd watch: %w", err)
		}
		if len(wresp.Events) == 0 {
			continue // progress notification
		}

		out := make([]*Response, 0, len(wresp.Events))
		for _, ev := range wresp.Events {
			r := &Response{
				Node: &Node{
					Key:           string(ev.Kv.Key),
					Value:         string(ev.Kv.Value),
					ModifiedIndex: uint64(ev.Kv.ModRevision),
				},
				Index: uint64(wresp.Header.Revision),
			}
			switch {
			case ev.Type == clientv3.EventTypeDelete:
				r.Action = ActionDelete
				r.Node.Value = ""
			case ev.IsCreate():
				r.Action = ActionCreate
			default:
				r.Action = ActionUpdate
			}
			if ev.PrevKv != nil {
				r.PrevNode = &Node{
					Key:           string(ev.PrevKv.Key),
					Value:         string(ev.PrevKv.Value),
					ModifiedIndex: uint64(ev.PrevKv.ModRevision),
				}
			}
			out = append(out, r)
		}
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("directory: etcd watch channel closed")
}

// Put writes key on a new lease of ttl. prevExist=false only creates, prevExist=true
// only updates; both checks run in one transaction.
func (e *Etcd) Put(ctx context.Context, key, value string, ttl time.Duration, prevExist bool) error {
	key = cleanKey(key)

	var (
		lease clientv3.LeaseID
		opts  []clientv3.OpOption
	)
	if ttl > 0 {
		seconds := int64(ttl / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		grant, err := e.client.Grant(ctx, seconds)
		if err != nil {
			return err
		}
		lease = grant.ID
		opts = append(opts, clientv3.WithLease(lease))
	}

	cond := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	if prevExist {
		cond = clientv3.Compare(clientv3.CreateRevision(key), ">", 0)
	}
	resp, err := e.client.Txn(ctx).If(cond).Then(clientv3.OpPut(key, value, opts...)).Commit()
	if err != nil {
		e.revoke(ctx, lease)
		return err
	}
	if !resp.Succeeded {
		e.revoke(ctx, lease)
		if prevExist {
			return ErrKeyNotFound
		}
		return ErrKeyExists
	}

	e.mu.Lock()
	old := e.leases[key]
	if lease != 0 {
		e.leases[key] = lease
	} else {
		delete(e.leases, key)
	}
	e.mu.Unlock()
	e.revoke(ctx, old)
	return nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	key = cleanKey(key)
	resp, err := e.client.Delete(ctx, key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	lease := e.leases[key]
	delete(e.leases, key)
	e.mu.Unlock()
	e.revoke(ctx, lease)

	if resp.Deleted == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// CreateDir writes an empty marker at root. Children live under root+"/", so the
// marker never shows up in Get or Watch.
func (e *Etcd) CreateDir(ctx context.Context, root string) error {
	root = cleanKey(root)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(root), "=", 0)).
		Then(clientv3.OpPut(root, "")).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrKeyExists
	}
	return nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}

// revoke drops a lease no key depends on anymore. Failures only delay cleanup until
// the lease times out by itself.
func (e *Etcd) revoke(ctx context.Context, lease clientv3.LeaseID) {
	if lease == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()
	if _, err := e.client.Revoke(rctx, lease); err != nil {
		e.log.Debug("lease revoke failed", zap.Int64("lease", int64(lease)), zap.Error(err))
	}
}
