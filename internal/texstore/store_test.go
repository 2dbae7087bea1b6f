package texstore_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"shmq/internal/config"
	"shmq/internal/faults"
	"shmq/internal/texstore"
)

func stores(t *testing.T) map[string]texstore.Store {
	t.Helper()
	sqlite, err := texstore.OpenSQLite(filepath.Join(t.TempDir(), "textures.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]texstore.Store{
		"memory": texstore.NewMemoryStore(),
		"sqlite": sqlite,
	}
}

var argb128 = texstore.Texture{ID: 7, Width: 128, Height: 128, Format: texstore.FormatARGB8, Levels: 2}

func TestLevelSize(t *testing.T) {
	tests := []struct {
		tex   texstore.Texture
		level int32
		want  int
	}{
		{argb128, 0, 65536},
		{argb128, 1, 16384},
		{texstore.Texture{Width: 1, Height: 4, Format: texstore.FormatABGR32F, Levels: 3}, 2, 16},
		{texstore.Texture{Width: 3, Height: 1, Format: texstore.FormatABGR16F, Levels: 2}, 1, 8},
	}
	for _, tc := range tests {
		got, err := tc.tex.LevelSize(tc.level)
		if err != nil || got != tc.want {
			t.Fatalf("LevelSize(%+v, %d) = %d, %v; want %d", tc.tex, tc.level, got, err, tc.want)
		}
	}
	if _, err := argb128.LevelSize(2); !errors.Is(err, faults.ErrOutOfBounds) {
		t.Fatalf("expected out of bounds, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := texstore.ParseFormat(" r32f "); err != nil || f != texstore.FormatR32F {
		t.Fatalf("ParseFormat = %q, %v", f, err)
	}
	if _, err := texstore.ParseFormat("DXT1"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestStoreApplyAndRead(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.CreateTexture(ctx, argb128); err != nil {
				t.Fatalf("CreateTexture: %v", err)
			}
			if data, err := store.Read(ctx, 7, 0); err != nil || data != nil {
				t.Fatalf("unwritten level = %v, %v", data, err)
			}

			payload := bytes.Repeat([]byte{0xAB}, 65536)
			if err := store.Apply(ctx, 7, 0, payload); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			payload[0] = 0
			got, err := store.Read(ctx, 7, 0)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if len(got) != 65536 || got[0] != 0xAB || got[65535] != 0xAB {
				t.Fatalf("store retained or corrupted caller data")
			}
			got[1] = 0
			again, _ := store.Read(ctx, 7, 0)
			if again[1] != 0xAB {
				t.Fatal("Read must return a copy")
			}
		})
	}
}

func TestStoreRejectsBadWrites(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.CreateTexture(ctx, argb128); err != nil {
				t.Fatalf("CreateTexture: %v", err)
			}
			if err := store.Apply(ctx, 99, 0, make([]byte, 4)); !errors.Is(err, faults.ErrNotFound) {
				t.Fatalf("missing texture: %v", err)
			}
			if err := store.Apply(ctx, 7, 5, make([]byte, 4)); !errors.Is(err, faults.ErrOutOfBounds) {
				t.Fatalf("level out of range: %v", err)
			}
			if err := store.Apply(ctx, 7, 0, make([]byte, 100)); !errors.Is(err, faults.ErrSink) {
				t.Fatalf("size mismatch: %v", err)
			}
			if err := store.Apply(ctx, 7, -1, nil); !errors.Is(err, faults.ErrOutOfBounds) {
				t.Fatalf("negative level: %v", err)
			}
		})
	}
}

func TestStoreRedefineDropsLevels(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.CreateTexture(ctx, argb128); err != nil {
				t.Fatalf("CreateTexture: %v", err)
			}
			if err := store.Apply(ctx, 7, 1, make([]byte, 16384)); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			// Same definition keeps data.
			if err := store.CreateTexture(ctx, argb128); err != nil {
				t.Fatalf("CreateTexture again: %v", err)
			}
			if data, _ := store.Read(ctx, 7, 1); data == nil {
				t.Fatal("identical redefinition dropped data")
			}

			smaller := argb128
			smaller.Width, smaller.Height = 64, 64
			if err := store.CreateTexture(ctx, smaller); err != nil {
				t.Fatalf("redefine: %v", err)
			}
			if data, _ := store.Read(ctx, 7, 1); data != nil {
				t.Fatal("redefinition should drop stored levels")
			}
			list, err := store.Textures(ctx)
			if err != nil || len(list) != 1 || list[0] != smaller {
				t.Fatalf("Textures = %+v, %v", list, err)
			}
		})
	}
}

func TestCreateTextureValidates(t *testing.T) {
	store := texstore.NewMemoryStore()
	bad := texstore.Texture{ID: 1, Width: 0, Height: 4, Format: texstore.FormatARGB8, Levels: 1}
	if err := store.CreateTexture(context.Background(), bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "textures.db")
	store, err := texstore.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := store.CreateTexture(ctx, argb128); err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	if err := store.Apply(ctx, 7, 1, bytes.Repeat([]byte{3}, 16384)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	store.Close()

	reopened, err := texstore.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	data, err := reopened.Read(ctx, 7, 1)
	if err != nil || len(data) != 16384 || data[0] != 3 {
		t.Fatalf("persisted level = %d bytes, %v", len(data), err)
	}
}

func TestOpenCreatesConfiguredTextures(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "t.db")
	cfg.Textures = []config.Texture{{ID: 3, Width: 8, Height: 8, Format: "xrgb8", Levels: 1}}

	store, err := texstore.Open(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*texstore.SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	list, err := store.Textures(context.Background())
	if err != nil || len(list) != 1 || list[0].Format != texstore.FormatXRGB8 {
		t.Fatalf("Textures = %+v, %v", list, err)
	}

	cfg.Store.Backend = "tape"
	if _, err := texstore.Open(context.Background(), &cfg); err == nil {
		t.Fatal("expected unsupported backend error")
	}
}
