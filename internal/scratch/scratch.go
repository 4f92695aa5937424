// Package scratch holds uploaded images for the lifetime of a single request.
//
// Every request gets its own directory; images are decoded, bounded in size
// and re-encoded as JPEG before they reach a model backend. Close removes
// everything the workspace created.
package scratch

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrEmptyImage is returned for zero-length uploads.
	ErrEmptyImage = errors.New("empty image")
	// ErrUnsupportedImage is returned when the bytes cannot be decoded as an image.
	ErrUnsupportedImage = errors.New("cannot identify image file")
)

const jpegQuality = 95

// DefaultMaxPixels caps the declared width*height of an upload when Limits leaves it unset.
const DefaultMaxPixels = 40_000_000

// Limits bounds the images a workspace accepts.
type Limits struct {
	// MaxSide is the longest side kept after downscaling; zero disables downscaling.
	MaxSide int
	// MaxPixels rejects uploads whose header declares more pixels, before any pixel data is decoded.
	MaxPixels int
}

// File is a normalised image stored in a workspace.
type File struct {
	Name   string
	Path   string
	Digest string // sha1 of the normalised JPEG bytes
	Format string // format of the original upload
	Width  int
	Height int
}

// Workspace is a per-request temporary directory.
type Workspace struct {
	dir string

	mu    sync.Mutex
	seq   int
	files []string
}

// New creates a fresh directory under parent (os.TempDir when empty).
func New(parent, prefix string) (*Workspace, error) {
	dir, err := os.MkdirTemp(parent, "face-compare-"+prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Save decodes data within limits and writes it as a JPEG of its own.
// Each call gets a distinct file, even when names repeat; name only labels errors and the file.
func (w *Workspace) Save(name string, data []byte, limits Limits) (*File, error) {
	normalised, format, bounds, err := Normalize(data, limits)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	w.mu.Lock()
	w.seq++
	path := filepath.Join(w.dir, fmt.Sprintf("%d-%s.jpg", w.seq, filepath.Base(name)))
	w.files = append(w.files, path)
	w.mu.Unlock()

	if err := os.WriteFile(path, normalised, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", name, err)
	}

	sum := sha1.Sum(normalised)
	return &File{
		Name:   name,
		Path:   path,
		Digest: hex.EncodeToString(sum[:]),
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// Close removes every file written by the workspace and then the directory itself.
func (w *Workspace) Close() error {
	w.mu.Lock()
	files := w.files
	w.files = nil
	w.mu.Unlock()

	var errs error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	if err := os.RemoveAll(w.dir); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Normalize decodes any supported image format and re-encodes it as JPEG,
// downscaling when a side is larger than limits.MaxSide. The header is checked
// against limits.MaxPixels first, so a forged size never reaches the decoder.
// It returns the JPEG bytes, the source format and the resulting bounds.
func Normalize(data []byte, limits Limits) ([]byte, string, image.Rectangle, error) {
	if len(data) == 0 {
		return nil, "", image.Rectangle{}, ErrEmptyImage
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", image.Rectangle{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	maxPixels := limits.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", image.Rectangle{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedImage, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", image.Rectangle{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	img = fit(img, limits.MaxSide)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", image.Rectangle{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), format, img.Bounds(), nil
}

func fit(img image.Image, maxSide int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxSide <= 0 || (width <= maxSide && height <= maxSide) {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSide
		newHeight = int(float64(height) * float64(maxSide) / float64(width))
	} else {
		newHeight = maxSide
		newWidth = int(float64(width) * float64(maxSide) / float64(height))
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}
