package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLazyIDIsStable(t *testing.T) {
	d := New("z1", "n1", "tcp", nil)
	id := d.ID()
	require.NotEmpty(t, id)
	assert.Equal(t, id, d.ID())

	other := New("z1", "n1", "tcp", nil)
	assert.NotEqual(t, id, other.ID())
}

func TestExplicitIDIsKept(t *testing.T) {
	d := NewWithID("abc", "z", "n", "tcp", nil)
	assert.Equal(t, "abc", d.ID())
}

func TestEqualAndClone(t *testing.T) {
	d := NewWithID("abc", "z", "n", "tcp", map[string]string{"address": "127.0.0.1:1"})
	c := d.Clone()
	assert.True(t, d.Equal(c))

	c.Properties["address"] = "127.0.0.1:2"
	assert.False(t, d.Equal(c))
	assert.Equal(t, "127.0.0.1:1", d.Property("address"), "clone must not share properties")

	assert.False(t, d.Equal(NewWithID("xyz", "z", "n", "tcp", d.Properties)))
}

func TestSecureDefaultsToNo(t *testing.T) {
	assert.False(t, New("z", "n", "tcp", nil).Secure())
	assert.True(t, New("z", "n", "tcp", map[string]string{PropertySecure: "yes"}).Secure())
}

func TestNormalizeRoot(t *testing.T) {
	assert.Equal(t, "/a/b", NormalizeRoot("a/b/"))
	assert.Equal(t, "/a/b", NormalizeRoot("//a/b//"))
	assert.Equal(t, "", NormalizeRoot("/"))
}

func TestKeyValueRoundTrip(t *testing.T) {
	d := NewWithID("id-1", "eu", "node-a", "mini-wire.tcp", map[string]string{
		"address": "10.0.0.1:7000",
		"secure":  "no",
		"empty":   "",
	})
	key := Key("/mini-wire/endpoints/", d)
	assert.Equal(t, "/mini-wire/endpoints/eu/node-a/id-1", key)

	value, err := EncodeValue(d)
	require.NoError(t, err)
	assert.Equal(t, "protocol-name=mini-wire.tcp\naddress=10.0.0.1:7000\nempty=\nsecure=no\n", value)

	got, err := Decode("mini-wire/endpoints", key, value)
	require.NoError(t, err)
	assert.True(t, d.Equal(got))
}

func TestEncodeRejectsUnencodableProperties(t *testing.T) {
	for _, props := range []map[string]string{
		{"a=b": "x"},
		{"a": "line1\nline2"},
		{ProtocolNameKey: "x"},
	} {
		_, err := EncodeValue(New("z", "n", "p", props))
		assert.ErrorIs(t, err, ErrInvalidProperty)
	}
}

func TestParseKeyRejectsOtherDepths(t *testing.T) {
	for _, key := range []string{
		"/root",
		"/root/zone",
		"/root/zone/node",
		"/root/zone/node/id/extra",
		"/other/zone/node/id",
		"/root//node/id",
	} {
		_, _, _, err := ParseKey("/root", key)
		assert.ErrorIs(t, err, ErrNotEndpointKey, key)
	}

	zone, node, id, err := ParseKey("/root", "/root/z/n/i")
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "n", "i"}, []string{zone, node, id})
}
