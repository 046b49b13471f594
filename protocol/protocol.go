// Package protocol frames messages on a byte stream.
//
// Every frame is a fixed 14-byte header followed by the body; the receiver reads the
// header first and then exactly BodyLen bytes.
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...   │
//	│ mwp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Version    byte = 0x01
	HeaderSize      = 14

	// MaxBodyLen bounds the allocation a peer can trigger with one header.
	MaxBodyLen = 16 << 20
)

var magic = [3]byte{'m', 'w', 'p'}

var (
	ErrBadMagic      = errors.New("protocol: not a mini-wire frame")
	ErrFrameTooLarge = errors.New("protocol: frame body too large")
)

type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
)

// Codec types, mirrored from the codec package to keep this package dependency free.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // pairs a response with its request
	BodyLen   uint32
}

// Encode writes header and body to w as one frame. Callers sharing w must serialise
// calls, otherwise frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], magic[:])
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, nil, err
	}
	if head[0] != magic[0] || head[1] != magic[1] || head[2] != magic[2] {
		return nil, nil, fmt.Errorf("%w: magic %x", ErrBadMagic, head[0:3])
	}
	if head[3] != Version {
		return nil, nil, fmt.Errorf("protocol: unsupported version %d", head[3])
	}
	if head[4] != CodecTypeJSON && head[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("protocol: unsupported codec type %d", head[4])
	}
	mt := MsgType(head[5])
	if mt != MsgTypeRequest && mt != MsgTypeResponse && mt != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("protocol: unsupported message type %d", mt)
	}

	h := &Header{
		CodecType: head[4],
		MsgType:   mt,
		Seq:       binary.BigEndian.Uint32(head[6:10]),
		BodyLen:   binary.BigEndian.Uint32(head[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.BodyLen)
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
