package handlers

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/face-compare/internal/logging"
	"github.com/example/face-compare/internal/usecase"
)

// MaxUploadSize bounds each uploaded image.
const MaxUploadSize = 10 << 20

// maxRequestSize leaves room for both images plus multipart framing.
const maxRequestSize = 2*MaxUploadSize + 1<<20

//go:embed static/index.html
var indexHTML []byte

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.ComparisonUseCase) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": uc.Backend()})
	})

	router.Match([]string{http.MethodGet, http.MethodPost}, "/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
	})

	router.Match([]string{http.MethodGet, http.MethodPost}, "/predict", predict(uc))

	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.GetMetricsSummary())
	})

	router.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		result, err := uc.GetResult(c.Request.Context(), requestID)
		if errors.Is(err, usecase.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

// predict always answers 200; failures are reported in the err field only.
func predict(uc *usecase.ComparisonUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestSize)

		known, err := readUpload(c, "file0")
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"err": logging.Unannotated(err).Error()})
			return
		}
		candidate, err := readUpload(c, "file1")
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"err": logging.Unannotated(err).Error()})
			return
		}

		result, err := uc.Compare(c.Request.Context(), known, candidate)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"err": logging.Unannotated(err).Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"oushi":      result.DistanceMessage(),
			"fazhi":      result.ThresholdMessage(),
			"result":     result.Message,
			"request_id": result.RequestID,
		})
	}
}

func readUpload(c *gin.Context, field string) (usecase.Upload, error) {
	file, err := c.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return usecase.Upload{}, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return usecase.Upload{}, fmt.Errorf("missing upload %s: %w", field, err)
	}
	if file.Size > MaxUploadSize {
		return usecase.Upload{}, fmt.Errorf("%s exceeds the %d byte upload limit", field, MaxUploadSize)
	}

	src, err := file.Open()
	if err != nil {
		return usecase.Upload{}, fmt.Errorf("unable to open %s: %w", field, err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return usecase.Upload{}, fmt.Errorf("failed to read %s: %w", field, err)
	}
	return usecase.Upload{Name: field, Data: data}, nil
}
