package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voskhod/framesync/internal/config"
	"github.com/voskhod/framesync/internal/httpapi"
	"github.com/voskhod/framesync/internal/room"
	"github.com/voskhod/framesync/internal/transport"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord := room.NewCoordinator(ctx, room.Config{
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		RateCapacity:  cfg.RateCapacity,
		RatePerSec:    cfg.RatePerSec,
	}, logger)
	srv := transport.NewServer(coord, logger)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.SetupRoutes(coord, srv),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return httpSrv.Close()
	})

	if cfg.QUICAddr != "" {
		g.Go(func() error {
			var tlsConf *tls.Config
			if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
				cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
				if err != nil {
					return err
				}
				tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
			}
			return srv.ServeQUIC(gctx, cfg.QUICAddr, tlsConf)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
