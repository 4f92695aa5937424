package main

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/example/face-compare/internal/config"
	"github.com/example/face-compare/internal/faceembed"
)

type digestExtractor struct {
	noFaces bool
	block   <-chan struct{}
	started chan<- struct{}
}

func (d *digestExtractor) Name() string { return "digest" }

func (d *digestExtractor) ExtractFile(ctx context.Context, path string) ([]faceembed.Face, error) {
	if d.started != nil {
		select {
		case d.started <- struct{}{}:
		default:
		}
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.noFaces {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(data)
	embedding := make(faceembed.Embedding, 8)
	for i := range embedding {
		embedding[i] = float32(sum[i]) / 255
	}
	return []faceembed.Face{{Box: image.Rect(0, 0, 4, 4), Embedding: embedding}}, nil
}

func useExtractor(t *testing.T, extractor faceembed.Extractor) {
	t.Helper()
	previous := newExtractor
	newExtractor = func(context.Context, *config.Config, *zap.Logger) (faceembed.Extractor, func(), error) {
		return extractor, func() {}, nil
	}
	t.Cleanup(func() { newExtractor = previous })
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func writeImage(t *testing.T, dir, name string, c color.Color) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pngBytes(t, c), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func TestCompareCommandIdenticalImages(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LOG_LEVEL", "error")
	useExtractor(t, &digestExtractor{})

	a := writeImage(t, dir, "a.png", color.RGBA{R: 200, A: 255})
	b := writeImage(t, dir, "b.png", color.RGBA{R: 200, A: 255})

	out, err := runCLI(t, "compare", a, b)
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}

	var got compareOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if !got.Matched || got.Distance != 0 {
		t.Fatalf("expected zero-distance match, got %+v", got)
	}
	if got.Threshold != faceembed.DefaultThreshold {
		t.Fatalf("expected default threshold, got %v", got.Threshold)
	}
	if got.Oushi == "" || got.Fazhi == "" || got.Result == "" {
		t.Fatalf("expected messages, got %+v", got)
	}
	if got.Backend != "digest" {
		t.Fatalf("unexpected backend %q", got.Backend)
	}
}

func TestCompareCommandThresholdFlag(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LOG_LEVEL", "error")
	useExtractor(t, &digestExtractor{})

	a := writeImage(t, dir, "a.png", color.RGBA{R: 200, A: 255})
	b := writeImage(t, dir, "b.png", color.RGBA{B: 200, A: 255})

	out, err := runCLI(t, "compare", "--threshold", "100", a, b)
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	var got compareOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.Threshold != 100 || !got.Matched {
		t.Fatalf("expected a match under threshold 100, got %+v", got)
	}

	if _, err := runCLI(t, "compare", "--threshold", "-1", a, b); err == nil {
		t.Fatal("expected error for negative threshold")
	}
}

func TestCompareCommandErrors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LOG_LEVEL", "error")
	useExtractor(t, &digestExtractor{noFaces: true})

	a := writeImage(t, dir, "a.png", color.RGBA{G: 200, A: 255})

	if _, err := runCLI(t, "compare", a); err == nil {
		t.Fatal("expected error for a single argument")
	}

	_, err := runCLI(t, "compare", a, filepath.Join(dir, "missing.png"))
	if err == nil || !strings.Contains(err.Error(), "missing.png") {
		t.Fatalf("expected read error naming the file, got %v", err)
	}

	_, err = runCLI(t, "compare", a, a)
	if err == nil || !strings.Contains(err.Error(), faceembed.ErrNoFaceDetected.Error()) {
		t.Fatalf("expected no face error, got %v", err)
	}
}
