package texstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps textures in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	textures map[uint32]*memoryTexture
}

type memoryTexture struct {
	def    Texture
	levels [][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{textures: make(map[uint32]*memoryTexture)}
}

func (s *MemoryStore) CreateTexture(_ context.Context, tex Texture) error {
	if err := tex.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.textures[tex.ID]; ok && existing.def == tex {
		return nil
	}
	s.textures[tex.ID] = &memoryTexture{def: tex, levels: make([][]byte, tex.Levels)}
	return nil
}

// Apply copies data into the level; the caller's slice is not retained.
func (s *MemoryStore) Apply(_ context.Context, resourceID uint32, level int32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tex, ok := s.textures[resourceID]
	if !ok {
		return notFound(resourceID)
	}
	if err := tex.def.checkWrite(level, data); err != nil {
		return err
	}
	buf := tex.levels[level]
	if buf == nil {
		buf = make([]byte, len(data))
		tex.levels[level] = buf
	}
	copy(buf, data)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, resourceID uint32, level int32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tex, ok := s.textures[resourceID]
	if !ok {
		return nil, notFound(resourceID)
	}
	if _, err := tex.def.LevelSize(level); err != nil {
		return nil, err
	}
	return slices.Clone(tex.levels[level]), nil
}

func (s *MemoryStore) Textures(context.Context) ([]Texture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Texture, 0, len(s.textures))
	for _, tex := range s.textures {
		out = append(out, tex.def)
	}
	slices.SortFunc(out, func(a, b Texture) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
