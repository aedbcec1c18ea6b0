package livetree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
)

// Redis stores nodes as plain keys under keyPrefix and announces every change
// on a pub/sub channel named after the path.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	log       *zap.Logger
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, keyPrefix string, log *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %v", apperr.ErrUnreachable, addr, err)
	}
	return &Redis{client: client, keyPrefix: keyPrefix, log: log}, nil
}

func (r *Redis) key(path string) string     { return r.keyPrefix + "node:" + path }
func (r *Redis) channel(path string) string { return r.keyPrefix + "chan:" + path }

func (r *Redis) Get(ctx context.Context, path string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnreachable, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, path string, value []byte) error {
	return r.write(ctx, Node{Path: path, Value: value}, func(p redis.Pipeliner) {
		p.Set(ctx, r.key(path), value, 0)
	})
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	return r.write(ctx, Node{Path: path, Deleted: true}, func(p redis.Pipeliner) {
		p.Del(ctx, r.key(path))
	})
}

// write applies op and the change announcement in one MULTI/EXEC.
func (r *Redis) write(ctx context.Context, n Node, op func(redis.Pipeliner)) error {
	msg, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		op(p)
		p.Publish(ctx, r.channel(n.Path), msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrUnreachable, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]Node, error) {
	base := strings.TrimSuffix(prefix, "/") + "/"
	match := globEscape(r.key(base)) + "*"

	var keys []string
	iter := r.client.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnreachable, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnreachable, err)
	}
	nodes := make([]Node, 0, len(keys))
	for i, k := range keys {
		s, ok := vals[i].(string)
		if !ok {
			// deleted between SCAN and MGET
			continue
		}
		nodes = append(nodes, Node{Path: strings.TrimPrefix(k, r.key("")), Value: []byte(s)})
	}
	sortNodes(nodes)
	return nodes, nil
}

func (r *Redis) Subscribe(ctx context.Context, prefix string) (<-chan Node, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	patterns := []string{r.channel(prefix), globEscape(r.channel(prefix+"/")) + "*"}
	if prefix == "" {
		patterns = []string{globEscape(r.channel("")) + "*"}
	}

	ps := r.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: psubscribe: %v", apperr.ErrUnreachable, err)
	}

	out := make(chan Node, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n Node
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					r.log.Warn("dropping undecodable tree event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func globEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
