package store

import (
	"context"
	"strings"

	"github.com/toolmesh/discovery/internal/config"
	"github.com/toolmesh/discovery/internal/errors"
)

// New creates the configured backend variant. dims is the embedding
// dimension; the redis variant requires it up front, the file-backed
// variants learn it from the first document.
func New(ctx context.Context, cfg *config.BackendConfig, dims int) (Backend, error) {
	switch strings.ToLower(cfg.Variant) {
	case config.BackendLinear:
		path := ""
		if cfg.Path != "" {
			path = cfg.Path + ".db"
		}
		return NewLinearBackend(path)
	case config.BackendHNSW:
		return NewHNSWBackend(cfg.Path, cfg.RebuildThreshold)
	case config.BackendRedis:
		return NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisIndex, dims)
	default:
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"unknown backend variant: "+cfg.Variant, nil)
	}
}
