package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/config"
	"github.com/pixperk/seatlock/pkg/coordinator"
	"github.com/pixperk/seatlock/pkg/gateway"
	"github.com/pixperk/seatlock/pkg/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lock coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	instance := uuid.New()
	logger := cfg.Log.NewLogger("seatlock").With("instance", instance.String())

	logger.Info("starting seatlock",
		"grpc", cfg.Server.GRPCListen,
		"http", cfg.Server.HTTPListen,
		"db_driver", cfg.Database.Driver,
	)

	coord, err := coordinator.New(ctx, cfg, coordinator.WithLogger(logger))
	if err != nil {
		return err
	}
	defer coord.Close()

	listener, err := net.Listen("tcp", cfg.Server.GRPCListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCListen, err)
	}
	grpcServer := server.NewGRPCServer(server.NewServer(coord))

	var gw *gateway.Server
	if cfg.Server.HTTPListen != "" {
		gw = gateway.NewServer(cfg.Server.HTTPListen, coord.Registry, coord.Metrics, cfg.Alerts, clockwork.NewRealClock(), logger.Named("http"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", listener.Addr().String())
		return grpcServer.Serve(listener)
	})
	if gw != nil {
		g.Go(func() error {
			logger.Info("HTTP gateway listening", "addr", cfg.Server.HTTPListen)
			return gw.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			grpcServer.Stop()
		}

		if gw != nil {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			if err := gw.Stop(sctx); err != nil {
				logger.Warn("HTTP gateway shutdown failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
