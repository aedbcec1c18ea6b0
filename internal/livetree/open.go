package livetree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"irrigation-registry-backend/config"
)

// Open builds the configured backend.
func Open(ctx context.Context, cfg config.LiveTreeConfig, log *zap.Logger) (Tree, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix, log)
	default:
		return nil, fmt.Errorf("unknown live tree backend %q", cfg.Backend)
	}
}
