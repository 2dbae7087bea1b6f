package texstore

import (
	"errors"
	"fmt"
	"strings"

	"shmq/internal/faults"
)

// Format is a texture pixel format.
type Format string

// Supported formats.
const (
	FormatARGB8   Format = "ARGB8"
	FormatXRGB8   Format = "XRGB8"
	FormatABGR16F Format = "ABGR16F"
	FormatR32F    Format = "R32F"
	FormatABGR32F Format = "ABGR32F"
)

// MaxLevels bounds the mip chain.
const MaxLevels = 16

// BytesPerPixel returns the pixel stride, or 0 for an unknown format.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatARGB8, FormatXRGB8, FormatR32F:
		return 4
	case FormatABGR16F:
		return 8
	case FormatABGR32F:
		return 16
	default:
		return 0
	}
}

// ParseFormat normalises a format name.
func ParseFormat(value string) (Format, error) {
	f := Format(strings.ToUpper(strings.TrimSpace(value)))
	if f.BytesPerPixel() == 0 {
		return "", fmt.Errorf("unsupported texture format %q", value)
	}
	return f, nil
}

// Texture describes one texture resource.
type Texture struct {
	ID     uint32 `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format Format `json:"format"`
	Levels int    `json:"levels"`
}

// Validate checks dimensions, format and level count.
func (t Texture) Validate() error {
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("texture %d: width and height must be positive", t.ID)
	}
	if t.Format.BytesPerPixel() == 0 {
		return fmt.Errorf("texture %d: unsupported format %q", t.ID, t.Format)
	}
	if t.Levels < 1 || t.Levels > MaxLevels {
		return fmt.Errorf("texture %d: levels must be between 1 and %d", t.ID, MaxLevels)
	}
	return nil
}

// LevelSize returns the byte size of mip level, halving each dimension per
// level with a floor of one pixel.
func (t Texture) LevelSize(level int32) (int, error) {
	if level < 0 || int(level) >= t.Levels {
		return 0, faults.Wrap(faults.ErrOutOfBounds, "texstore", "level",
			fmt.Sprintf("texture %d has %d levels, got %d", t.ID, t.Levels, level), nil)
	}
	w := max(t.Width>>level, 1)
	h := max(t.Height>>level, 1)
	return w * h * t.Format.BytesPerPixel(), nil
}

// checkWrite validates an Apply payload against the texture.
func (t Texture) checkWrite(level int32, data []byte) error {
	size, err := t.LevelSize(level)
	if err != nil {
		return err
	}
	if len(data) != size {
		return faults.Wrap(faults.ErrSink, "texstore", "apply",
			fmt.Sprintf("texture %d level %d expects %d bytes, got %d", t.ID, level, size, len(data)), nil)
	}
	return nil
}

func notFound(id uint32) error {
	return faults.Wrap(faults.ErrNotFound, "texstore", "lookup", fmt.Sprintf("texture %d", id), nil)
}

func isNotFound(err error) bool {
	return errors.Is(err, faults.ErrNotFound)
}
