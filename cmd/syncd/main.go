package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tessera/syncd/internal/app"
	"tessera/syncd/internal/cache"
	"tessera/syncd/internal/config"
	"tessera/syncd/internal/directory"
	"tessera/syncd/internal/engine"
	"tessera/syncd/internal/feed"
	"tessera/syncd/internal/logger"
	"tessera/syncd/internal/rowstore"
	"tessera/syncd/internal/search"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger.SetLoggerOptions(func(l *logrus.Logger) {
		l.SetFormatter(&logrus.JSONFormatter{})
	})

	rows, err := rowstore.Open(ctx, cfg.RowStoreDSN)
	if err != nil {
		logger.For(ctx).Fatalf("row store open failed: %v", err)
	}
	defer rows.Close()

	provider, directoryDB, err := directory.OpenPostgres(ctx, cfg.DirectoryURL, cfg.DirectoryRefresh)
	if err != nil {
		logger.For(ctx).Fatalf("directory connection failed: %v", err)
	}
	defer directoryDB.Close()
	defer provider.Close()

	writer, err := cache.NewWriter(cfg.RedisURL)
	if err != nil {
		logger.For(ctx).Fatalf("redis connection failed: %v", err)
	}
	defer writer.Close()

	var index engine.SearchSink
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
	}

	feedClient := feed.NewClient(cfg.FeedURL, cfg.FeedToken, rows)

	manager := engine.NewManager(engine.Deps{
		Feed:               engine.NewFeedSubscriber(feedClient),
		Rows:               rows,
		Cache:              writer,
		Directory:          provider,
		Index:              index,
		InitialSyncTimeout: cfg.InitialSyncTimeout,
		DebounceWindow:     cfg.DebounceWindow,
	})

	var controlSecret []byte
	if cfg.ControlSecret != "" {
		controlSecret = []byte(cfg.ControlSecret)
	}
	httpServer := app.NewHTTPServer(manager, map[string]app.Pinger{
		"rowstore":  rows,
		"cache":     writer,
		"directory": pingerFunc(directoryDB.PingContext),
	}, controlSecret)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.For(ctx).Infof("tessera syncd listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.For(ctx).Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager.StopAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.For(ctx).Errorf("shutdown error: %v", err)
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}
