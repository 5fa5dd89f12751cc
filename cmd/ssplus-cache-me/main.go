// ssplus-cache-me - networked key/value cache daemon with write-behind
// durable backing storage.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/freyrads/ssplus-cache-me/internal/cachemap"
	"github.com/freyrads/ssplus-cache-me/internal/clock"
	"github.com/freyrads/ssplus-cache-me/internal/config"
	"github.com/freyrads/ssplus-cache-me/internal/httpapi"
	"github.com/freyrads/ssplus-cache-me/internal/logging"
	"github.com/freyrads/ssplus-cache-me/internal/metrics"
	"github.com/freyrads/ssplus-cache-me/internal/store"
	"github.com/freyrads/ssplus-cache-me/internal/writequeue"
	"github.com/freyrads/ssplus-cache-me/internal/writer"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if err != nil {
		if err == config.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Format(cfg.LogFormat), logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("ssplus-cache-me starting",
		zap.String("version", version),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database))

	writable, err := store.OpenWritable(cfg.Database)
	if err != nil {
		if store.ReadOnlyDatabase(err) {
			log.Fatal("backing store is read-only, cannot boot", zap.Error(err))
		}
		log.Fatal("failed to open writable store connection", zap.Error(err))
	}

	swept, err := store.InitSchema(context.Background(), writable, clock.NowMS())
	if err != nil {
		log.Fatal("failed to initialize schema", zap.Error(err))
	}
	log.Info("schema ready", zap.String("id", clock.InitDBID), zap.Int64("expired_rows_swept", swept))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cache := cachemap.New()
	queue := writequeue.New()

	api, err := httpapi.NewAPI(cfg.Database, cfg.Concurrency, cache, queue, m, log)
	if err != nil {
		log.Fatal("failed to open read-only worker connections", zap.Error(err))
	}
	api.SetCORSOrigins(cfg.AllowCORS)

	if cfg.ConfigPath != "" {
		watcher, err := config.Watch(cfg.ConfigPath, *cfg, log, func(reloaded config.Config) {
			api.SetCORSOrigins(reloaded.AllowCORS)
		})
		if err != nil {
			log.Warn("config hot-reload disabled", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	writerCtx, cancelWriter := context.WithCancel(context.Background())
	w := writer.New(writable, queue, log, m)

	writerDone := make(chan struct{})
	go func() {
		w.Run(writerCtx)
		close(writerDone)
	}()

	handler := httpapi.Router(api, cfg, reg, log)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 3)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var sigCount int
	shuttingDown := false

waitLoop:
	for {
		select {
		case sig := <-sigCh:
			sigCount++
			log.Warn("signal received", zap.String("signal", sig.String()), zap.Int("count", sigCount))
			if sigCount >= 3 {
				log.Error("third signal received, force-exiting without drain")
				os.Exit(1)
			}
			if !shuttingDown {
				shuttingDown = true
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				go func() {
					defer shutdownCancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						log.Warn("http server shutdown error", zap.Error(err))
					}
				}()
				cancelWriter()
			}
		case err := <-serveErr:
			if err != nil {
				log.Error("http server failed", zap.Error(err))
			}
			if !shuttingDown {
				shuttingDown = true
				cancelWriter()
			}
			break waitLoop
		case <-writerDone:
			if shuttingDown {
				break waitLoop
			}
		}
	}

	<-writerDone
	if err := writable.Close(); err != nil {
		log.Error("failed to close writable store connection", zap.Error(err))
	}
	if err := api.Close(); err != nil {
		log.Error("failed to close read-only worker connections", zap.Error(err))
	}

	log.Info("shutdown complete")
}
