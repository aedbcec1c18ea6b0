// Package livetree is the low-latency, subscribable key-value tree that
// mirrors registry state and carries live status, readings and controls.
package livetree

import (
	"context"
	"sort"
	"strings"
)

// Node is one value in the tree. Deleted nodes carry no value.
type Node struct {
	Path    string `json:"path"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Tree is a hierarchical store with push notifications. Get returns
// apperr.ErrNotFound for absent paths and any transport failure wraps
// apperr.ErrUnreachable.
type Tree interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	Delete(ctx context.Context, path string) error
	// List returns every node strictly below prefix, sorted by path.
	List(ctx context.Context, prefix string) ([]Node, error)
	// Subscribe streams changes at or below prefix until ctx is done, then
	// closes the channel.
	Subscribe(ctx context.Context, prefix string) (<-chan Node, error)
	Close() error
}

// Under reports whether path is prefix itself or below it.
func Under(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
}
