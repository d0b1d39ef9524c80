// Package app は設定からホスト、カメラサービス、HTTPサーバーを組み立てて起動する
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"camerad/internal/camera"
	"camerad/internal/config"
	"camerad/internal/hdi"
	"camerad/internal/server"
)

// NewHost は設定のカメラを持つ仮想ホストを作成する
func NewHost(cfg *config.Config) (*hdi.VirtualHost, error) {
	cameras := make([]hdi.VirtualCamera, 0, len(cfg.Camera.Devices))
	for _, d := range cfg.Camera.Devices {
		configs, err := d.StreamConfigurations()
		if err != nil {
			return nil, err
		}
		cam, err := hdi.NewVirtualCamera(d.ID, d.Position, configs)
		if err != nil {
			return nil, fmt.Errorf("カメラ %s の作成に失敗: %w", d.ID, err)
		}
		cameras = append(cameras, cam)
	}
	return hdi.NewVirtualHost(cameras...), nil
}

// NewService は設定のポリシーでカメラサービスを作成する
func NewService(cfg *config.Config, host hdi.Host, logger *zap.Logger) (*camera.DefaultService, error) {
	arbiter, err := camera.ParseArbiterPolicy(cfg.Camera.ArbiterPolicy)
	if err != nil {
		return nil, err
	}
	registry, err := camera.ParseRegistryPolicy(cfg.Camera.SessionPolicy)
	if err != nil {
		return nil, err
	}

	return camera.NewDefaultService(host, camera.ServiceOptions{
		Logger:           logger,
		ArbiterPolicy:    arbiter,
		RegistryPolicy:   registry,
		SkipSupportCheck: !cfg.Camera.CheckStreamSupport,
	}), nil
}

// Run はサーバーを起動し、ctxの終了かシグナルを受けるまで動かす
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	host, err := NewHost(cfg)
	if err != nil {
		return err
	}
	defer host.Close()

	svc, err := NewService(cfg, host, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("カメラサービスの開始に失敗: %w", err)
	}
	defer func() {
		if err := svc.Stop(context.Background()); err != nil {
			logger.Warn("カメラサービスの停止に失敗", zap.Error(err))
		}
	}()

	srv, err := server.NewGin(cfg, svc, logger)
	if err != nil {
		return err
	}

	logger.Info("camerad サーバーを起動します",
		zap.String("addr", cfg.ServerAddress()),
		zap.Int("cameras", len(cfg.Camera.Devices)),
		zap.String("arbiter_policy", cfg.Camera.ArbiterPolicy),
		zap.String("session_policy", cfg.Camera.SessionPolicy))
	return srv.Start(ctx)
}
