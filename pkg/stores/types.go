package stores

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrKeyNotFound is returned when a key is absent from the store.
var ErrKeyNotFound = errors.New("key not found")

// Node is a single child returned by List.
type Node struct {
	// Key is the full path of the child.
	Key string `json:"key"`

	// Value holds the stored bytes. It is nil for directory nodes.
	Value []byte `json:"value,omitempty"`

	// Dir is set when the child has children of its own.
	Dir bool `json:"dir,omitempty"`
}

// KV defines the interface for the record store client.
type KV interface {
	// Read returns the value stored under key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores value under key, replacing any previous value.
	Write(ctx context.Context, key string, value []byte) error

	// Delete removes key. With recursive set, every key below it goes too.
	// Deleting a missing key is not an error.
	Delete(ctx context.Context, key string, recursive bool) error

	// List returns the direct children of prefix, ordered by key.
	// A prefix without children yields an empty slice.
	List(ctx context.Context, prefix string) ([]Node, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// JoinKey joins path segments into a normalized store key.
func JoinKey(parts ...string) string {
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		for _, s := range strings.Split(p, "/") {
			if s != "" {
				segments = append(segments, s)
			}
		}
	}
	return "/" + strings.Join(segments, "/")
}

// dirPrefix returns prefix with exactly one trailing slash.
func dirPrefix(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/"
}

// collectChildren folds a flat, prefix-filtered key listing into direct children.
func collectChildren(prefix string, entries []Node) []Node {
	base := dirPrefix(prefix)
	children := make(map[string]*Node)

	for _, e := range entries {
		rest := strings.TrimPrefix(e.Key, base)
		if rest == e.Key || rest == "" {
			continue
		}

		name, _, nested := strings.Cut(rest, "/")
		key := base + name

		child, ok := children[key]
		if !ok {
			child = &Node{Key: key}
			children[key] = child
		}
		if nested {
			child.Dir = true
			continue
		}
		child.Value = e.Value
	}

	out := make([]Node, 0, len(children))
	for _, c := range children {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
