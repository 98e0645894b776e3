package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/exam-liveroom/backend/config"
	httpServer "github.com/adwski/exam-liveroom/backend/server/http"
	websocketServer "github.com/adwski/exam-liveroom/backend/server/websocket"
	"github.com/adwski/exam-liveroom/backend/service"
	"github.com/adwski/exam-liveroom/backend/storage/cache"
	"github.com/adwski/exam-liveroom/backend/storage/memory"
	sw "github.com/adwski/exam-liveroom/backend/switch"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run api and websocket servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)

	registry := memory.NewRegistry()
	svc := service.NewService(service.Config{
		Registry: registry,
		Switch:   sw.NewSwitch(&logger, registry),
		Logger:   &logger,
		AckJoins: cfg.AckJoins,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		LiveDirectory: cache.NewDirectory(cfg.LiveSessionTTL),
		RoomStats:     registry,
		ListenAddr:    cfg.APIListenAddr,
		JWTSecret:     cfg.JWTSecret,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		SessionService: svc,
		ListenAddr:     cfg.WSListenAddr,
		MaxMessageSize: cfg.MaxMessageSize,
		QueueSize:      cfg.QueueSize,
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
		err  error
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	return err
}
