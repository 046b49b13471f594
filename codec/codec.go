// Package codec serialises RPCMessage envelopes into frame bodies.
package codec

import (
	"errors"
	"fmt"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

var (
	ErrShortBuffer = errors.New("codec: body shorter than its length fields")
	ErrNotMessage  = errors.New("codec: value is not a *message.RPCMessage")
	ErrTooLong     = errors.New("codec: field too long for its length prefix")
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// Get returns the codec for t.
func Get(t CodecType) (Codec, error) {
	switch t {
	case CodecTypeJSON:
		return JSONCodec{}, nil
	case CodecTypeBinary:
		return BinaryCodec{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec type %d", t)
}
