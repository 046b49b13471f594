package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-wire/codec"
	"mini-wire/message"
	"mini-wire/middleware"
	"mini-wire/protocol"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	svr := New(zaptest.NewLogger(t), opts...)
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go func() { _ = svr.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svr.Shutdown(ctx)
	})
	return svr
}

// roundTrip writes one request frame and reads the response frame.
func roundTrip(t *testing.T, conn net.Conn, seq uint32, req *message.RPCMessage) *message.RPCMessage {
	t.Helper()
	cdc := codec.JSONCodec{}
	body, err := cdc.Encode(req)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}, body))

	h, respBody, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeResponse, h.MsgType)
	assert.Equal(t, seq, h.Seq)
	resp := &message.RPCMessage{}
	require.NoError(t, cdc.Decode(respBody, resp))
	return resp
}

func arithDispatcher(t *testing.T) *Dispatcher {
	d := NewDispatcher()
	require.NoError(t, d.Register("Arith.Add", JSONMethod(func(_ context.Context, a Args) (Reply, error) {
		return Reply{Result: a.A + a.B}, nil
	})))
	return d
}

func TestServerDispatchesByWire(t *testing.T) {
	svr := startServer(t)
	svr.Handle("wire-1", arithDispatcher(t).Dispatch)

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload, err := codec.JSONCodec{}.Encode(Args{1, 2})
	require.NoError(t, err)
	resp := roundTrip(t, conn, 1, &message.RPCMessage{WireID: "wire-1", Method: "Arith.Add", Payload: payload})
	require.Empty(t, resp.Error)
	var reply Reply
	require.NoError(t, codec.JSONCodec{}.Decode(resp.Payload, &reply))
	assert.Equal(t, 3, reply.Result)

	resp = roundTrip(t, conn, 2, &message.RPCMessage{WireID: "wire-1", Method: "Arith.Mul"})
	assert.Contains(t, resp.Error, ErrUnknownMethod.Error())
}

func TestServerUnknownAndRemovedWire(t *testing.T) {
	svr := startServer(t)
	svr.Handle("w", func(_ context.Context, req *message.RPCMessage) *message.RPCMessage {
		return req.Reply(req.Payload)
	})

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	resp := roundTrip(t, conn, 1, &message.RPCMessage{WireID: "nope"})
	assert.Contains(t, resp.Error, ErrUnknownWire.Error())

	assert.True(t, svr.Remove("w"))
	assert.False(t, svr.Remove("w"))
	resp = roundTrip(t, conn, 2, &message.RPCMessage{WireID: "w"})
	assert.Contains(t, resp.Error, ErrUnknownWire.Error())
}

func TestServerAppliesMiddleware(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	trace := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			mu.Lock()
			seen = append(seen, req.WireID)
			mu.Unlock()
			return next(ctx, req)
		}
	}
	svr := startServer(t, WithMiddleware(trace, middleware.Recover(zaptest.NewLogger(t))))
	svr.Handle("boom", func(context.Context, *message.RPCMessage) *message.RPCMessage {
		panic("receiver bug")
	})

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	resp := roundTrip(t, conn, 7, &message.RPCMessage{WireID: "boom"})
	assert.Contains(t, resp.Error, middleware.ErrPanic.Error())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"boom"}, seen)
}

func TestShutdownWaitsForInFlightRequests(t *testing.T) {
	svr := New(zaptest.NewLogger(t))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	served := make(chan error, 1)
	go func() { served <- svr.Serve() }()

	started := make(chan struct{})
	svr.Handle("slow", func(_ context.Context, req *message.RPCMessage) *message.RPCMessage {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return req.Reply([]byte("done"))
	})

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	resp := make(chan *message.RPCMessage, 1)
	go func() {
		h, body, err := protocol.Decode(conn)
		if err != nil || h.MsgType != protocol.MsgTypeResponse {
			resp <- nil
			return
		}
		m := &message.RPCMessage{}
		if (codec.JSONCodec{}).Decode(body, m) != nil {
			m = nil
		}
		resp <- m
	}()
	body, err := codec.JSONCodec{}.Encode(&message.RPCMessage{WireID: "slow"})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 1}, body))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svr.Shutdown(ctx))

	got := <-resp
	require.NotNil(t, got)
	assert.Equal(t, "done", string(got.Payload))
	assert.NoError(t, <-served)
}

func TestShutdownGivesUpAtDeadline(t *testing.T) {
	svr := startServer(t)
	release := make(chan struct{})
	defer close(release)
	svr.Handle("stuck", func(_ context.Context, req *message.RPCMessage) *message.RPCMessage {
		<-release
		return req.Reply(nil)
	})

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	body, err := codec.JSONCodec{}.Encode(&message.RPCMessage{WireID: "stuck"})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 1}, body))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = svr.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestServeBeforeListen(t *testing.T) {
	svr := New(zaptest.NewLogger(t))
	assert.ErrorIs(t, svr.Serve(), ErrNotListening)
	assert.Nil(t, svr.Addr())
}

func TestDispatcherRegistration(t *testing.T) {
	d := arithDispatcher(t)
	err := d.Register("Arith.Add", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrDuplicateMethod)
	require.NoError(t, d.Register("Echo.Say", func(_ context.Context, p []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(p))), nil
	}))
	assert.Equal(t, []string{"Arith.Add", "Echo.Say"}, d.Methods())

	resp := d.Dispatch(context.Background(), &message.RPCMessage{WireID: "w", Method: "Echo.Say", Payload: []byte("hi")})
	assert.Equal(t, "HI", string(resp.Payload))
	assert.Equal(t, "w", resp.WireID)
}
