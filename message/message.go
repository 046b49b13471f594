// Package message defines the envelope exchanged between a sender and a receiver.
//
// A request names the wire it is addressed to and the method to run on it; the
// payload is opaque to the transport. A response echoes the wire and method and
// carries either a payload or an error string.
package message

// RPCMessage is one request or response.
//
//   - request:  WireID and Method are set, Payload holds the arguments.
//   - response: Payload holds the result, Error is non-empty if the receiver failed.
type RPCMessage struct {
	WireID  string // endpoint id of the export the message is addressed to
	Method  string // method signature, e.g. "Echo.Say(string)"
	Error   string
	Payload []byte
}

// Reply builds the response to m carrying payload.
func (m *RPCMessage) Reply(payload []byte) *RPCMessage {
	return &RPCMessage{WireID: m.WireID, Method: m.Method, Payload: payload}
}

// Fail builds the error response to m.
func (m *RPCMessage) Fail(err error) *RPCMessage {
	return &RPCMessage{WireID: m.WireID, Method: m.Method, Error: err.Error()}
}
