package endpoint

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ProtocolNameKey is the reserved value key carrying Descriptor.ProtocolName.
const ProtocolNameKey = "protocol-name"

var (
	ErrNotEndpointKey  = errors.New("endpoint: key is not a {root}/{zone}/{node}/{id} path")
	ErrInvalidProperty = errors.New("endpoint: property cannot be encoded")
)

// NormalizeRoot makes root start with a single slash and end without one.
func NormalizeRoot(root string) string {
	root = strings.Trim(root, "/")
	if root == "" {
		return ""
	}
	return "/" + root
}

// Key returns the directory key of d under root.
func Key(root string, d *Descriptor) string {
	return NormalizeRoot(root) + "/" + d.Zone + "/" + d.Node + "/" + d.ID()
}

// EncodeValue renders the directory value of d: newline separated key=value pairs,
// protocol name first, remaining properties sorted by key.
func EncodeValue(d *Descriptor) (string, error) {
	keys := make([]string, 0, len(d.Properties))
	for k, v := range d.Properties {
		if k == "" || k == ProtocolNameKey || strings.ContainsAny(k, "=\n") || strings.Contains(v, "\n") {
			return "", fmt.Errorf("%w: %q", ErrInvalidProperty, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ProtocolNameKey + "=" + d.ProtocolName + "\n")
	for _, k := range keys {
		b.WriteString(k + "=" + d.Properties[k] + "\n")
	}
	return b.String(), nil
}

// ParseKey splits a directory key into zone, node and id. Only keys exactly three
// segments below root are endpoint keys.
func ParseKey(root, key string) (zone, node, id string, err error) {
	prefix := NormalizeRoot(root) + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", "", "", fmt.Errorf("%w: %s", ErrNotEndpointKey, key)
	}
	parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %s", ErrNotEndpointKey, key)
	}
	return parts[0], parts[1], parts[2], nil
}

// Decode rebuilds a descriptor from a directory key and value.
func Decode(root, key, value string) (*Descriptor, error) {
	zone, node, id, err := ParseKey(root, key)
	if err != nil {
		return nil, err
	}
	var protocol string
	props := make(map[string]string)
	for _, line := range strings.Split(value, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, _ := strings.Cut(line, "=")
		if k == ProtocolNameKey {
			protocol = v
			continue
		}
		props[k] = v
	}
	return NewWithID(id, zone, node, protocol, props), nil
}
