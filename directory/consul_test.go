package directory

import (
	"context"
	"os"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConsulDiffDerivesSingleKeyChanges(t *testing.T) {
	c := &Consul{listings: map[string]map[string]*consulapi.KVPair{
		"/root": {
			"root/z/n/a": {Key: "root/z/n/a", Value: []byte("v1"), ModifyIndex: 3},
			"root/z/n/b": {Key: "root/z/n/b", Value: []byte("v1"), ModifyIndex: 4},
			"root/z/n/c": {Key: "root/z/n/c", Value: []byte("v1"), ModifyIndex: 5},
		},
	}}
	next := consulapi.KVPairs{
		{Key: "root/"}, // folder marker
		{Key: "root/z/n/a", Value: []byte("v1"), ModifyIndex: 3},
		{Key: "root/z/n/b", Value: []byte("v2"), ModifyIndex: 8},
		{Key: "root/z/n/d", Value: []byte("v1"), ModifyIndex: 7},
	}

	changes := c.diff("/root", next, 9)
	require.Len(t, changes, 3)

	assert.Equal(t, ActionCreate, changes[0].Action)
	assert.Equal(t, "/root/z/n/d", changes[0].Node.Key)

	assert.Equal(t, ActionUpdate, changes[1].Action)
	assert.Equal(t, "/root/z/n/b", changes[1].Node.Key)
	assert.Equal(t, "v2", changes[1].Node.Value)
	assert.Equal(t, "v1", changes[1].PrevNode.Value)

	assert.Equal(t, ActionDelete, changes[2].Action)
	assert.Equal(t, "/root/z/n/c", changes[2].Node.Key)
	assert.Equal(t, uint64(9), changes[2].Node.ModifiedIndex)

	assert.Empty(t, c.diff("/root", next, 10), "same listing again")
}

// TestConsulRoundTrip needs a running Consul agent; set WIRE_TEST_CONSUL to its address.
func TestConsulRoundTrip(t *testing.T) {
	addr := os.Getenv("WIRE_TEST_CONSUL")
	if addr == "" {
		t.Skip("WIRE_TEST_CONSUL not set")
	}
	c, err := NewConsul(addr, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	root := "/mini-wire-test/" + t.Name() + "/" + time.Now().Format("150405.000000")
	key := root + "/z/n/a"
	require.NoError(t, c.CreateDir(ctx, root))
	assert.ErrorIs(t, c.CreateDir(ctx, root), ErrKeyExists)

	start, err := c.Get(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, Leaves(start.Node))

	// consul sessions accept TTLs of 10s and more
	require.NoError(t, c.Put(ctx, key, "v1", 15*time.Second, false))
	assert.ErrorIs(t, c.Put(ctx, key, "v1", 15*time.Second, false), ErrKeyExists)

	changes, err := c.Watch(ctx, root, start.Index+1)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, ActionCreate, changes[0].Action)
	assert.Equal(t, key, changes[0].Node.Key)

	require.NoError(t, c.Delete(ctx, key))
	assert.ErrorIs(t, c.Delete(ctx, key), ErrKeyNotFound)
}
