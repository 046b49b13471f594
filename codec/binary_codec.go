package codec

import (
	"encoding/binary"
	"math"

	"mini-wire/message"
)

// BinaryCodec lays out an RPCMessage as length-prefixed fields:
//
//	wireID(u16 len) | method(u16 len) | payload(u32 len) | error(u16 len)
type BinaryCodec struct{}

func (BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, ErrNotMessage
	}
	if len(msg.WireID) > math.MaxUint16 || len(msg.Method) > math.MaxUint16 ||
		len(msg.Error) > math.MaxUint16 || uint64(len(msg.Payload)) > math.MaxUint32 {
		return nil, ErrTooLong
	}

	buf := make([]byte, 0, 2+len(msg.WireID)+2+len(msg.Method)+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.WireID)))
	buf = append(buf, msg.WireID...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Method)))
	buf = append(buf, msg.Method...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return ErrNotMessage
	}
	r := reader{data: data}
	msg.WireID = string(r.field(2))
	msg.Method = string(r.field(2))
	if payload := r.field(4); payload != nil {
		msg.Payload = append([]byte(nil), payload...)
	} else {
		msg.Payload = nil
	}
	msg.Error = string(r.field(2))
	return r.err
}

func (BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks length-prefixed fields and remembers the first overrun.
type reader struct {
	data []byte
	err  error
}

func (r *reader) field(prefix int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < prefix {
		r.err = ErrShortBuffer
		return nil
	}
	var n uint64
	if prefix == 2 {
		n = uint64(binary.BigEndian.Uint16(r.data))
	} else {
		n = uint64(binary.BigEndian.Uint32(r.data))
	}
	r.data = r.data[prefix:]
	if uint64(len(r.data)) < n {
		r.err = ErrShortBuffer
		return nil
	}
	out := r.data[:n]
	r.data = r.data[n:]
	if n == 0 {
		return nil
	}
	return out
}
