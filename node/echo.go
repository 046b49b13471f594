package node

import (
	"context"
	"sort"
	"sync"

	"mini-wire/message"
	"mini-wire/server"
)

// EchoMethod answers with its argument.
const EchoMethod = "Echo.Say(string)"

// Echo is a receiver answering EchoMethod. It tracks the wire ids it is exported under.
type Echo struct {
	*server.Dispatcher

	mu    sync.Mutex
	wires map[string]struct{}
}

func NewEcho() *Echo {
	e := &Echo{Dispatcher: server.NewDispatcher(), wires: make(map[string]struct{})}
	_ = e.Register(EchoMethod, server.JSONMethod(func(_ context.Context, s string) (string, error) {
		return s, nil
	}))
	return e
}

func (e *Echo) Receive(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return e.Dispatch(ctx, req)
}

func (e *Echo) EndpointAdded(wireID string) {
	e.mu.Lock()
	e.wires[wireID] = struct{}{}
	e.mu.Unlock()
}

func (e *Echo) EndpointRemoved(wireID string) {
	e.mu.Lock()
	delete(e.wires, wireID)
	e.mu.Unlock()
}

// Wires returns the wire ids the receiver is currently exported under.
func (e *Echo) Wires() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.wires))
	for id := range e.wires {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
