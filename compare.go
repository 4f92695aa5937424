package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/face-compare/internal/config"
	"github.com/example/face-compare/internal/logging"
	"github.com/example/face-compare/internal/usecase"
)

type compareOutput struct {
	Oushi     string  `json:"oushi"`
	Fazhi     string  `json:"fazhi"`
	Result    string  `json:"result"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
	Matched   bool    `json:"matched"`
	Backend   string  `json:"backend"`
}

func newCompareCmd() *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "compare <known> <candidate>",
		Short: "Compare the faces in two local image files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold") {
				if threshold <= 0 {
					return fmt.Errorf("threshold must be positive, got %v", threshold)
				}
				cfg.Model.Threshold = threshold
			}
			// Nothing outlives the command.
			cfg.Cache.RedisAddr = ""
			cfg.Cache.ResultTTL = 0
			cfg.Cache.EmbeddingTTL = 0

			logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, MaxAge: cfg.Log.MaxAge, Stderr: true})
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			extractor, closeExtractor, err := newExtractor(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeExtractor()

			uploads, err := readUploads(args[0], args[1])
			if err != nil {
				return err
			}

			uc := usecase.NewComparisonUseCase(extractor, usecase.NopCache{}, logger, useCaseOptions(cfg))
			comparison, err := uc.Compare(ctx, uploads[0], uploads[1])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(compareOutput{
				Oushi:     comparison.DistanceMessage(),
				Fazhi:     comparison.ThresholdMessage(),
				Result:    comparison.Message,
				Distance:  comparison.Distance,
				Threshold: comparison.Threshold,
				Matched:   comparison.Matched,
				Backend:   comparison.Backend,
			})
		},
	}
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "match threshold (defaults to FACEMATCH_THRESHOLD)")
	return cmd
}

func readUploads(paths ...string) ([]usecase.Upload, error) {
	uploads := make([]usecase.Upload, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		uploads = append(uploads, usecase.Upload{Name: filepath.Base(path), Data: data})
	}
	return uploads, nil
}
