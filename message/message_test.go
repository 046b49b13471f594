package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplyKeepsAddressing(t *testing.T) {
	req := &RPCMessage{WireID: "w1", Method: "Echo.Say(string)", Payload: []byte("hi")}

	resp := req.Reply([]byte("hi back"))
	assert.Equal(t, "w1", resp.WireID)
	assert.Equal(t, "Echo.Say(string)", resp.Method)
	assert.Equal(t, []byte("hi back"), resp.Payload)
	assert.Empty(t, resp.Error)

	failed := req.Fail(errors.New("boom"))
	assert.Equal(t, "w1", failed.WireID)
	assert.Equal(t, "boom", failed.Error)
	assert.Nil(t, failed.Payload)
}
