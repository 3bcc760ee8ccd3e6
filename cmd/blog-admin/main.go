package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/lk2023060901/blog-garden-go/application"
	"github.com/lk2023060901/blog-garden-go/internal/admin"
	"github.com/lk2023060901/blog-garden-go/internal/build"
	"github.com/lk2023060901/blog-garden-go/internal/coordinator"
	"github.com/lk2023060901/blog-garden-go/internal/gateway"
	"github.com/lk2023060901/blog-garden-go/pkg/log"
	"github.com/lk2023060901/blog-garden-go/pkg/util/conc"
)

const buildPoolSize = 2

func main() {
	app := application.New()
	if err := app.Run(); err != nil {
		log.Error("failed to bootstrap application", zap.Error(err))
		os.Exit(1)
	}

	presenceCfg := app.Presence()
	coord := coordinator.New(
		coordinator.WithReapInterval(presenceCfg.ReapInterval),
		coordinator.WithStaleAfter(presenceCfg.StaleAfter),
		coordinator.WithDeliveryTimeout(presenceCfg.DeliveryTimeout),
	)
	coord.Start()
	defer coord.Stop()

	hub := gateway.NewHub()
	coord.SetSender(hub)
	defer hub.Shutdown()

	buildCfg := app.Build()
	pool := conc.NewPool[*build.Result](buildPoolSize)
	defer pool.Release()

	var buildOpts []build.ManagerOption
	if buildCfg.Timeout > 0 {
		buildOpts = append(buildOpts, build.WithTimeout(buildCfg.Timeout))
	}
	builds := build.NewManager(&build.CommandRunner{
		Command: buildCfg.Command,
		Args:    buildCfg.Args,
		Dir:     buildCfg.Dir,
	}, coord, pool, buildOpts...)
	builds.SetLogger(app.Logger("build"))

	auth := &admin.ConfigAuthenticator{}
	if err := app.Config().UnmarshalKey("auth.users", &auth.Users); err != nil {
		log.Error("invalid auth.users config", zap.Error(err))
		os.Exit(1)
	}

	serverCfg := app.Server()
	server := admin.NewServer(admin.Config{
		Addr:            serverCfg.Addr,
		ShutdownTimeout: serverCfg.ShutdownTimeout,
	}, coord, builds,
		&admin.TrustedHeaderResolver{},
		auth,
		gateway.NewHandler(coord, hub),
	)

	serveFuture := conc.Go(func() (struct{}, error) {
		return struct{}{}, server.Start()
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-serveFuture.Done():
		if err := serveFuture.Err(); err != nil {
			log.Error("admin server failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	if err := server.Shutdown(context.Background()); err != nil {
		log.Warn("graceful shutdown incomplete", zap.Error(err))
	}
}
