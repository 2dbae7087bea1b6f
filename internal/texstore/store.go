package texstore

import (
	"context"
	"fmt"

	"shmq/internal/config"
)

// Store is a texture-backed resource sink.
type Store interface {
	// CreateTexture defines a texture. Redefining an existing id with a
	// different shape drops its stored levels.
	CreateTexture(ctx context.Context, tex Texture) error
	Apply(ctx context.Context, resourceID uint32, level int32, data []byte) error
	// Read returns a copy of a level, or nil when it has never been written.
	Read(ctx context.Context, resourceID uint32, level int32) ([]byte, error)
	Textures(ctx context.Context) ([]Texture, error)
	Close() error
}

// Open builds the configured backend and creates the configured textures.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("texstore: config is nil")
	}
	var (
		store Store
		err   error
	)
	switch cfg.Store.Backend {
	case "", "memory":
		store = NewMemoryStore()
	case "sqlite":
		store, err = OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("texstore: unsupported backend %q", cfg.Store.Backend)
	}

	for _, def := range cfg.Textures {
		format, err := ParseFormat(def.Format)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		tex := Texture{ID: def.ID, Width: def.Width, Height: def.Height, Format: format, Levels: def.Levels}
		if err := store.CreateTexture(ctx, tex); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create texture %d: %w", def.ID, err)
		}
	}
	return store, nil
}
