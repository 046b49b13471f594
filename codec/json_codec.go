package codec

import jsoniter "github.com/json-iterator/go"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec is human-readable and easy to debug; BinaryCodec is smaller.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

func (JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
