package livetree

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"irrigation-registry-backend/internal/apperr"
)

const subscriberBuffer = 64

type memSubscriber struct {
	prefix string
	ch     chan Node
}

// Memory is an in-process Tree. Slow subscribers miss intermediate values
// rather than block writers; every node is latest-value so the next write
// catches them up.
type Memory struct {
	mu     sync.Mutex
	nodes  map[string][]byte
	subs   map[*memSubscriber]struct{}
	closed bool
}

// NewMemory creates an empty in-process tree.
func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string][]byte),
		subs:  make(map[*memSubscriber]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: tree closed", apperr.ErrUnreachable)
	}
	v, ok := m.nodes[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, path)
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, path string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: tree closed", apperr.ErrUnreachable)
	}
	v := append([]byte(nil), value...)
	m.nodes[path] = v
	m.publish(Node{Path: path, Value: v})
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: tree closed", apperr.ErrUnreachable)
	}
	if _, ok := m.nodes[path]; !ok {
		return nil
	}
	delete(m.nodes, path)
	m.publish(Node{Path: path, Deleted: true})
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: tree closed", apperr.ErrUnreachable)
	}
	base := strings.TrimSuffix(prefix, "/") + "/"
	var nodes []Node
	for p, v := range m.nodes {
		if strings.HasPrefix(p, base) {
			nodes = append(nodes, Node{Path: p, Value: append([]byte(nil), v...)})
		}
	}
	sortNodes(nodes)
	return nodes, nil
}

func (m *Memory) Subscribe(ctx context.Context, prefix string) (<-chan Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: tree closed", apperr.ErrUnreachable)
	}
	sub := &memSubscriber{prefix: prefix, ch: make(chan Node, subscriberBuffer)}
	m.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[sub]; ok {
			delete(m.subs, sub)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

// Subscribers returns the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		close(sub.ch)
		delete(m.subs, sub)
	}
	return nil
}

// publish must be called with m.mu held.
func (m *Memory) publish(n Node) {
	for sub := range m.subs {
		if !Under(n.Path, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
		}
	}
}
