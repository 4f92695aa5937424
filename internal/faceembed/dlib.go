package faceembed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"go.uber.org/zap"
)

var errRecognizerClosed = errors.New("recognizer closed")

// DlibExtractor runs the dlib detector and ResNet embedding network in process.
//
// The model directory must contain shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat and mmod_human_face_detector.dat.
// Models are loaded on first use and shared by every request afterwards.
type DlibExtractor struct {
	modelsDir string
	logger    *zap.Logger

	once    sync.Once
	loadErr error

	mu  sync.Mutex
	rec *face.Recognizer
}

// NewDlibExtractor returns an extractor that loads its models from modelsDir lazily.
func NewDlibExtractor(modelsDir string, logger *zap.Logger) *DlibExtractor {
	return &DlibExtractor{
		modelsDir: modelsDir,
		logger:    logger.Named("dlib_extractor"),
	}
}

// Name identifies the backend in cache keys and health output.
func (d *DlibExtractor) Name() string {
	return "dlib"
}

func (d *DlibExtractor) load() error {
	d.once.Do(func() {
		d.logger.Info("loading face recognition models", zap.String("dir", d.modelsDir))
		rec, err := face.NewRecognizer(d.modelsDir)
		if err != nil {
			d.loadErr = fmt.Errorf("load models from %s: %w", d.modelsDir, err)
			return
		}
		d.rec = rec
		d.logger.Info("face recognition models loaded")
	})
	return d.loadErr
}

// ExtractFile detects every face in the JPEG at path and returns their descriptors.
func (d *DlibExtractor) ExtractFile(ctx context.Context, path string) ([]Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.load(); err != nil {
		return nil, err
	}

	// the recognizer keeps per-call state on the C++ side
	d.mu.Lock()
	if d.rec == nil {
		d.mu.Unlock()
		return nil, errRecognizerClosed
	}
	detected, err := d.rec.RecognizeFile(path)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recognize %s: %w", path, err)
	}

	faces := make([]Face, 0, len(detected))
	for _, f := range detected {
		embedding := make(Embedding, len(f.Descriptor))
		copy(embedding, f.Descriptor[:])
		faces = append(faces, Face{Box: f.Rectangle, Embedding: embedding})
	}
	d.logger.Debug("faces detected", zap.String("path", path), zap.Int("count", len(faces)))
	return faces, nil
}

// Close releases the native recognizer if it was loaded.
func (d *DlibExtractor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
	return nil
}
