package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"

	"github.com/keybeat/keybeat/internal/boot"
	"github.com/keybeat/keybeat/internal/handlers"
	"github.com/keybeat/keybeat/internal/scheduler"
	"github.com/keybeat/keybeat/internal/service/credential"
	"github.com/keybeat/keybeat/internal/service/pairing"
	"github.com/keybeat/keybeat/internal/service/presence"
	"github.com/keybeat/keybeat/internal/service/score"
	"github.com/keybeat/keybeat/internal/store/localstore"
	"github.com/keybeat/keybeat/internal/store/remote"
)

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	local, err := localstore.New(config)
	if err != nil {
		log.Fatalf("opening local store: %+v", err)
	}
	defer local.Close()

	creds, err := credential.New(config, local)
	if err != nil {
		log.Fatalf("creating credential service: %+v", err)
	}

	client := remote.New(config, creds)
	engine := presence.New(config, creds, client, client, pairing.New(client), score.New(local))
	defer engine.Close()

	// best-effort initial bring-up; the sync cycle keeps retrying
	initCtx, cancelInit := context.WithTimeout(context.Background(), config.InitTimeout)
	if err := engine.Init(initCtx); err != nil {
		log.Warnf("initial bring-up failed, will retry on sync: %+v", err)
	}
	cancelInit()

	alarms := scheduler.New()
	defer alarms.Close()
	alarms.Create(presence.SyncAlarmName, config.SyncPeriod, config.SyncPeriod, engine.SyncCycle)

	server := echo.New()
	server.Use(middleware.BodyLimit("1M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("keybeat"))
	server.Use(middleware.Recover())

	server.Logger.SetLevel(log.INFO)

	handlers.Register(server.Group("/api"), engine)

	go func() {
		metrics := echo.New()
		metrics.GET("/metrics", echoprometheus.NewHandler())
		if err := metrics.Start(config.MetricsAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(config.ListenAddress); err != nil && err != http.ErrServerClosed {
			server.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		server.Logger.Fatal(err)
	}
}
