package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-compare/internal/faceembed"
	"github.com/example/face-compare/internal/logging"
)

const defaultBaseURL = "http://localhost:8000"

// FaceClient calls a model sidecar that detects faces and embeds them over HTTP.
type FaceClient struct {
	baseURL string
	device  string
	client  *http.Client
	logger  *zap.Logger
}

// NewFaceClient creates a client for the sidecar at baseURL.
func NewFaceClient(baseURL, device string, logger *zap.Logger) *FaceClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &FaceClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		device:  device,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger.Named("http_face_client"),
	}
}

// faceDetection is a single detected face as reported by the sidecar.
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

func (c *FaceClient) Name() string {
	return "http"
}

// ExtractFile posts the image at path to /embed/face.
func (c *FaceClient) ExtractFile(ctx context.Context, path string) ([]faceembed.Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	body, err := c.postMultipartImage(ctx, "/embed/face", data)
	if err != nil {
		wrapped := logging.NewOperationError("httpclient.extract_faces", "", err)
		c.logger.Error("face sidecar call failed", zap.Error(wrapped), zap.String("path", path))
		return nil, wrapped
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	faces := make([]faceembed.Face, 0, len(resp.Faces))
	for i, d := range resp.Faces {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("face %d has an empty embedding", i)
		}
		f := faceembed.Face{Embedding: faceembed.Embedding(d.Embedding)}
		if len(d.BBox) == 4 {
			f.Box = image.Rect(int(d.BBox[0]), int(d.BBox[1]), int(d.BBox[2]), int(d.BBox[3]))
		}
		faces = append(faces, f)
	}
	return faces, nil
}

func (c *FaceClient) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if c.device != "" {
		if err := writer.WriteField("device", c.device); err != nil {
			return nil, fmt.Errorf("failed to write device field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
