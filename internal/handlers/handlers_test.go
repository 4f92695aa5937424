package handlers

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-compare/internal/faceembed"
	"github.com/example/face-compare/internal/logging"
	"github.com/example/face-compare/internal/usecase"
)

// hashExtractor embeds a face as the first bytes of the file digest, so identical uploads match.
type hashExtractor struct {
	noFaces bool
	err     error
}

func (h *hashExtractor) Name() string { return "hash" }

func (h *hashExtractor) ExtractFile(ctx context.Context, path string) ([]faceembed.Face, error) {
	if h.err != nil {
		return nil, h.err
	}
	if h.noFaces {
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
	return []faceembed.Face{{Embedding: embedding}}, nil
}

type memoryCache struct {
	values map[string]string
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.values[key] = value.(string)
	return nil
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func newTestRouter(t *testing.T, extractor faceembed.Extractor, cache usecase.Cache) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	uc := usecase.NewComparisonUseCase(extractor, cache, zap.NewNop(), usecase.Options{
		ScratchDir: t.TempDir(),
		ResultTTL:  time.Minute,
	})
	router := gin.New()
	router.Use(RequestLogger(zap.NewNop()))
	RegisterRoutes(router, uc)
	return router
}

func encodePNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 16), B: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for field, payload := range files {
		part, err := writer.CreateFormFile(field, field+".png")
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := part.Write(payload); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func postPredict(t *testing.T, router *gin.Engine, files map[string][]byte) map[string]string {
	t.Helper()

	body, contentType := buildMultipartBody(t, files)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var decoded map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
	return decoded
}

func TestPredictIdenticalImagesMatch(t *testing.T) {
	router := newTestRouter(t, &hashExtractor{}, nil)
	img := encodePNG(t, 30)

	decoded := postPredict(t, router, map[string][]byte{"file0": img, "file1": img})

	if _, ok := decoded["err"]; ok {
		t.Fatalf("unexpected err field: %v", decoded)
	}
	if decoded["oushi"] != "Euclidean distance between the two faces: 0" {
		t.Fatalf("unexpected oushi %q", decoded["oushi"])
	}
	if decoded["fazhi"] != "Face embedding match threshold: 0.8" {
		t.Fatalf("unexpected fazhi %q", decoded["fazhi"])
	}
	if !strings.Contains(decoded["result"], "same person") {
		t.Fatalf("unexpected result %q", decoded["result"])
	}
}

func TestPredictNoFaceReturnsErr(t *testing.T) {
	router := newTestRouter(t, &hashExtractor{noFaces: true}, nil)
	img := encodePNG(t, 30)

	decoded := postPredict(t, router, map[string][]byte{"file0": img, "file1": img})

	if !strings.Contains(decoded["err"], "no face detected") {
		t.Fatalf("expected no face error, got %v", decoded)
	}
	if strings.Contains(decoded["err"], "request_id=") {
		t.Fatalf("operation annotations leaked to the client: %v", decoded)
	}
	if _, ok := decoded["result"]; ok {
		t.Fatalf("unexpected result field: %v", decoded)
	}
}

func TestPredictBackendErrorHidesOperationNames(t *testing.T) {
	backendErr := logging.NewOperationError("grpcclient.extract_faces", "", errors.New("rpc error: code = Unavailable desc = embedder down"))
	router := newTestRouter(t, &hashExtractor{err: backendErr}, nil)
	img := encodePNG(t, 30)

	decoded := postPredict(t, router, map[string][]byte{"file0": img, "file1": img})

	msg := decoded["err"]
	if !strings.Contains(msg, "embedder down") {
		t.Fatalf("expected backend cause in err, got %v", decoded)
	}
	for _, internal := range []string{"grpcclient.", "usecase.", "request_id="} {
		if strings.Contains(msg, internal) {
			t.Fatalf("err leaks %q: %q", internal, msg)
		}
	}
	if _, ok := decoded["result"]; ok {
		t.Fatalf("unexpected result field: %v", decoded)
	}
}

func TestPredictMalformedUploadReturnsErr(t *testing.T) {
	router := newTestRouter(t, &hashExtractor{}, nil)

	decoded := postPredict(t, router, map[string][]byte{"file0": []byte("hello"), "file1": encodePNG(t, 30)})

	if !strings.Contains(decoded["err"], "cannot identify image file") {
		t.Fatalf("expected decode error, got %v", decoded)
	}
	if _, ok := decoded["result"]; ok {
		t.Fatalf("unexpected result field: %v", decoded)
	}
}

func TestPredictMissingFieldReturnsErr(t *testing.T) {
	router := newTestRouter(t, &hashExtractor{}, nil)

	decoded := postPredict(t, router, map[string][]byte{"file0": encodePNG(t, 30)})
	if !strings.Contains(decoded["err"], "file1") {
		t.Fatalf("expected missing file1 error, got %v", decoded)
	}
}

func TestPredictGetWithoutBodyReturnsErr(t *testing.T) {
	router := newTestRouter(t, &hashExtractor{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/predict", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"err"`) {
		t.Fatalf("expected err field, got %s", resp.Body.String())
	}
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(t, &hashExtractor{}, nil)

	decoded := postPredict(t, router, map[string][]byte{
		"file0": bytes.Repeat([]byte("a"), MaxUploadSize+1),
		"file1": encodePNG(t, 30),
	})
	if decoded["err"] == "" {
		t.Fatalf("expected err for oversize upload, got %v", decoded)
	}
}

func TestIndexServesPage(t *testing.T) {
	router := newTestRouter(t, &hashExtractor{}, nil)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("%s /: expected status %d, got %d", method, http.StatusOK, resp.Code)
		}
		if !strings.Contains(resp.Body.String(), `name="file0"`) {
			t.Fatalf("%s /: expected upload form in page", method)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, &hashExtractor{}, nil)
	img := encodePNG(t, 30)
	postPredict(t, router, map[string][]byte{"file0": img, "file1": img})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"backend":"hash"`) {
		t.Fatalf("unexpected health response %d %s", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode metrics: %v", err)
	}
	if summary.TotalRequests != 1 || summary.MatchedRequests != 1 {
		t.Fatalf("unexpected metrics %+v", summary)
	}
}

func TestResultLookup(t *testing.T) {
	router := newTestRouter(t, &hashExtractor{}, &memoryCache{values: map[string]string{}})
	img := encodePNG(t, 30)
	decoded := postPredict(t, router, map[string][]byte{"file0": img, "file1": img})

	req := httptest.NewRequest(http.MethodGet, "/result/"+decoded["request_id"], nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var result usecase.Comparison
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.RequestID != decoded["request_id"] || !result.Matched {
		t.Fatalf("unexpected result %+v", result)
	}

	req = httptest.NewRequest(http.MethodGet, "/result/unknown", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}
