package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"mini-wire/codec"
	"mini-wire/message"
)

var (
	ErrUnknownMethod   = errors.New("server: unknown method")
	ErrDuplicateMethod = errors.New("server: method already registered")
)

// MethodFunc runs one method on the raw request payload.
type MethodFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Dispatcher maps method signatures to handlers. Receivers embed one to answer
// requests without reflection:
//
//	d := server.NewDispatcher()
//	d.Register("Echo.Say(string)", server.JSONMethod(func(ctx context.Context, s string) (string, error) {
//		return s, nil
//	}))
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{methods: make(map[string]MethodFunc)}
}

// Register adds fn under the method signature.
func (d *Dispatcher) Register(method string, fn MethodFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.methods[method]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, method)
	}
	d.methods[method] = fn
	return nil
}

// Methods lists the registered signatures in order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.methods))
	for m := range d.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler registered for req.Method.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	d.mu.RLock()
	fn, ok := d.methods[req.Method]
	d.mu.RUnlock()
	if !ok {
		return req.Fail(fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method))
	}
	out, err := fn(ctx, req.Payload)
	if err != nil {
		return req.Fail(err)
	}
	return req.Reply(out)
}

// JSONMethod adapts a typed function to a MethodFunc, decoding the argument and
// encoding the result as JSON.
func JSONMethod[A, R any](fn func(ctx context.Context, arg A) (R, error)) MethodFunc {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var arg A
		if len(payload) > 0 {
			if err := (codec.JSONCodec{}).Decode(payload, &arg); err != nil {
				return nil, fmt.Errorf("server: decode argument: %w", err)
			}
		}
		reply, err := fn(ctx, arg)
		if err != nil {
			return nil, err
		}
		return codec.JSONCodec{}.Encode(reply)
	}
}
