package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/subcast/internal/broadcast"
	"github.com/dgnsrekt/subcast/internal/clip"
	"github.com/dgnsrekt/subcast/internal/config"
	"github.com/dgnsrekt/subcast/internal/player"
	"github.com/dgnsrekt/subcast/internal/subtitle"
	"github.com/dgnsrekt/subcast/internal/ws"
)

const shutdownTimeout = 5 * time.Second

// runServer wires everything together and blocks until the player
// connection ends, a fatal error occurs, or ctx is cancelled. The
// listener only opens after the pid guard passes.
func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	link, err := player.Dial(cfg.Player.SocketPath, logger)
	if err != nil {
		return err
	}
	defer link.Close()
	logger.Info("connected to player", zap.String("socket", cfg.Player.SocketPath))

	if cfg.Player.ExpectedPid > 0 {
		if err := link.VerifyPid(cfg.Player.ExpectedPid, cfg.Player.QueryTimeout); err != nil {
			return fmt.Errorf("startup guard: %w", err)
		}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	logger.Info("websocket server listening", zap.String("addr", listener.Addr().String()))

	store := subtitle.NewStore()
	hub := broadcast.NewHub(cfg.Server.BroadcastBuffer, logger)
	encoder := clip.NewEncoder(cfg.Ffmpeg.Path, cfg.Image, cfg.Audio, logger)
	wsServer := ws.NewServer(store, hub, encoder, cfg.Clips.RatePerSecond, cfg.Clips.Burst, logger)
	assembler := player.NewAssembler(link, store, hub, cfg.Player.PendingExpiry, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Handler:     wsServer.Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A clean player EOF returns nil; cancel anyway, since there is
		// nothing left to serve without the player.
		defer cancel()
		return assembler.Run(gctx)
	})

	g.Go(func() error {
		if err := httpServer.Serve(listener); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		hub.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
