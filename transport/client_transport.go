// Package transport multiplexes concurrent calls over one framed connection.
//
// Each request gets a sequence number; a single reader goroutine routes every
// response to the caller waiting on that number:
//
//	caller-1 ──Call(seq=1)──┐
//	caller-2 ──Call(seq=2)──┼──→ one conn ──→ server
//	caller-3 ──Call(seq=3)──┘
//
//	recvLoop: ←── response(seq=2) → pending[2] → caller-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-wire/codec"
	"mini-wire/message"
	"mini-wire/protocol"
)

const DefaultHeartbeat = 30 * time.Second

var ErrClosed = errors.New("transport: closed")

type result struct {
	msg *message.RPCMessage
	err error
}

// ClientTransport owns one connection. It is safe for concurrent use.
type ClientTransport struct {
	conn  net.Conn
	codec codec.Codec
	log   *zap.Logger

	sending sync.Mutex // one frame at a time on the wire
	seq     uint32     // guarded by sending

	mu      sync.Mutex
	pending map[uint32]chan result
	err     error // set once the connection is unusable

	closeOnce sync.Once
	done      chan struct{}
}

// New starts the reader and, when heartbeat > 0, a heartbeat sender on conn.
func New(conn net.Conn, ct codec.CodecType, heartbeat time.Duration, logger *zap.Logger) (*ClientTransport, error) {
	c, err := codec.Get(ct)
	if err != nil {
		return nil, err
	}
	t := &ClientTransport{
		conn:    conn,
		codec:   c,
		log:     logger.Named("transport").With(zap.String("remote", conn.RemoteAddr().String())),
		pending: make(map[uint32]chan result),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t, nil
}

// Call sends req and waits for its response or for ctx to end. A response carrying
// an error string is still a successful call; only transport failures return an error.
func (t *ClientTransport) Call(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	body, err := t.codec.Encode(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan result, 1)

	t.sending.Lock()
	t.seq++
	seq := t.seq
	// register before writing so the reader can never miss the response
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		t.sending.Unlock()
		return nil, err
	}
	t.pending[seq] = ch
	t.mu.Unlock()

	err = protocol.Encode(t.conn, &protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}, body)
	t.sending.Unlock()
	if err != nil {
		t.forget(seq)
		t.fail(fmt.Errorf("transport: write: %w", err))
		return nil, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		t.forget(seq)
		return nil, ctx.Err()
	}
}

// Close closes the connection and fails every pending call with ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// Done is closed once the transport is unusable.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport stopped, or nil while it is usable.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *ClientTransport) forget(seq uint32) {
	t.mu.Lock()
	delete(t.pending, seq)
	t.mu.Unlock()
}

// fail marks the transport broken, closes the connection and wakes every caller.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		pending := t.pending
		t.pending = make(map[uint32]chan result)
		t.mu.Unlock()

		_ = t.conn.Close()
		for _, ch := range pending {
			ch <- result{err: err}
		}
		close(t.done)
		if !errors.Is(err, ErrClosed) {
			t.log.Debug("transport failed", zap.Error(err))
		}
	})
}

// recvLoop is the only reader of the connection; frame boundaries require it.
func (t *ClientTransport) recvLoop() {
	for {
		h, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(fmt.Errorf("transport: read: %w", err))
			return
		}
		if h.MsgType != protocol.MsgTypeResponse {
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[h.Seq]
		delete(t.pending, h.Seq)
		t.mu.Unlock()
		if !ok {
			continue // caller gave up
		}

		c, err := codec.Get(codec.CodecType(h.CodecType))
		if err != nil {
			ch <- result{err: err}
			continue
		}
		resp := &message.RPCMessage{}
		if err := c.Decode(body, resp); err != nil {
			ch <- result{err: fmt.Errorf("transport: decode response: %w", err)}
			continue
		}
		ch <- result{msg: resp}
	}
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(fmt.Errorf("transport: heartbeat: %w", err))
			return
		}
	}
}
