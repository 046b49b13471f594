package codec

import (
	"testing"

	"mini-wire/message"
)

func benchmarkCodec(b *testing.B, ct CodecType) {
	c, err := Get(ct)
	if err != nil {
		b.Fatal(err)
	}
	msg := sample()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := c.Encode(msg)
		var out message.RPCMessage
		_ = c.Decode(data, &out)
	}
}

func BenchmarkCodecJSON(b *testing.B)   { benchmarkCodec(b, CodecTypeJSON) }
func BenchmarkCodecBinary(b *testing.B) { benchmarkCodec(b, CodecTypeBinary) }
