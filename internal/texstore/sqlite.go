package texstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists textures and their level data in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("texstore: sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time keeps level upserts ordered.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateTexture(ctx context.Context, tex Texture) error {
	if err := tex.Validate(); err != nil {
		return err
	}
	existing, err := s.texture(ctx, tex.ID)
	if err != nil && !isNotFound(err) {
		return err
	}
	if err == nil && existing == tex {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin texture tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM texture_levels WHERE texture_id = ?`, tex.ID); err != nil {
		return fmt.Errorf("clear texture levels: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO textures (id, width, height, format, levels, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             width = excluded.width, height = excluded.height,
             format = excluded.format, levels = excluded.levels`,
		tex.ID, tex.Width, tex.Height, string(tex.Format), tex.Levels,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert texture: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit texture: %w", err)
	}
	return nil
}

// Apply stores a copy of data as the level's content.
func (s *SQLiteStore) Apply(ctx context.Context, resourceID uint32, level int32, data []byte) error {
	tex, err := s.texture(ctx, resourceID)
	if err != nil {
		return err
	}
	if err := tex.checkWrite(level, data); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO texture_levels (texture_id, level, data, updated_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(texture_id, level) DO UPDATE SET
             data = excluded.data, updated_at = excluded.updated_at`,
		resourceID, level, data, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store texture level: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, resourceID uint32, level int32) ([]byte, error) {
	tex, err := s.texture(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if _, err := tex.LevelSize(level); err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT data FROM texture_levels WHERE texture_id = ? AND level = ?`, resourceID, level,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read texture level: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) Textures(ctx context.Context) ([]Texture, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, width, height, format, levels FROM textures ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list textures: %w", err)
	}
	defer rows.Close()

	var out []Texture
	for rows.Next() {
		tex, err := scanTexture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate textures: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) texture(ctx context.Context, id uint32) (Texture, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, width, height, format, levels FROM textures WHERE id = ?`, id)
	tex, err := scanTexture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Texture{}, notFound(id)
	}
	return tex, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTexture(row scanner) (Texture, error) {
	var (
		tex    Texture
		format string
	)
	if err := row.Scan(&tex.ID, &tex.Width, &tex.Height, &format, &tex.Levels); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Texture{}, err
		}
		return Texture{}, fmt.Errorf("scan texture: %w", err)
	}
	tex.Format = Format(format)
	return tex, nil
}
