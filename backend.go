package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-compare/internal/config"
	"github.com/example/face-compare/internal/faceembed"
	"github.com/example/face-compare/internal/grpcclient"
	"github.com/example/face-compare/internal/httpclient"
	"github.com/example/face-compare/internal/usecase"
)

// newExtractor is swapped out in tests.
var newExtractor = buildExtractor

func buildExtractor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (faceembed.Extractor, func(), error) {
	switch cfg.Model.Backend {
	case config.BackendGRPC:
		extractor, conn, err := grpcclient.DialFaceEmbedder(ctx, cfg.Model.GRPCAddr, cfg.Model.Device, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to face embedder at %s: %w", cfg.Model.GRPCAddr, err)
		}
		return extractor, func() { _ = conn.Close() }, nil
	case config.BackendHTTP:
		return httpclient.NewFaceClient(cfg.Model.EmbeddingURL, cfg.Model.Device, logger), func() {}, nil
	default:
		extractor := faceembed.NewDlibExtractor(cfg.Model.ModelsDir, logger)
		return extractor, func() { _ = extractor.Close() }, nil
	}
}

func initCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (usecase.Cache, func(), error) {
	if cfg.Cache.RedisAddr == "" {
		logger.Info("redis not configured, caching disabled")
		return usecase.NopCache{}, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis connection failed", zap.Error(err), zap.String("addr", cfg.Cache.RedisAddr))
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Cache.RedisAddr, err)
	}
	return usecase.NewRedisCache(client), func() { _ = client.Close() }, nil
}
