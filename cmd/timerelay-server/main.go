// Command timerelay-server is the central relay server: it accepts
// forwarder and receiver WebSocket sessions, ingests and deduplicates
// timing events, fans them out to receivers, and serves the HTTP control
// surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/graaaaa/timerelay/internal/config"
	"github.com/graaaaa/timerelay/internal/dispatch"
	"github.com/graaaaa/timerelay/internal/httpapi"
	"github.com/graaaaa/timerelay/internal/ingest"
	"github.com/graaaaa/timerelay/internal/router"
	"github.com/graaaaa/timerelay/internal/store"
	"github.com/graaaaa/timerelay/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	addToken := flag.String("add-token", "", "register a device token and exit")
	deviceType := flag.String("device-type", "", "device type for -add-token (forwarder|receiver)")
	deviceID := flag.String("device-id", "", "device id for -add-token")
	flag.Parse()

	if *showVersion {
		fmt.Println("timerelay-server", version.String())
		return
	}
	if flag.NArg() != 1 {
		log.Fatal("usage: timerelay-server [flags] <config.yaml>")
	}

	cfg, err := config.LoadServer(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	// Token provisioning mode: register and exit.
	if *addToken != "" {
		if err := st.AddToken(context.Background(), *addToken, *deviceType, *deviceID); err != nil {
			log.Fatalf("Failed to add token: %v", err)
		}
		logger.Info("token registered", "device_type", *deviceType, "device_id", *deviceID)
		return
	}

	dispatcher := dispatch.New(st, dispatch.WithLogger(logger))
	engine := ingest.New(st, dispatcher, ingest.WithLogger(logger))
	rt := router.New(st, engine, dispatcher, router.WithLogger(logger))

	var apiOpts []httpapi.Option
	apiOpts = append(apiOpts, httpapi.WithLogger(logger))
	if cfg.RateLimitRPS > 0 {
		apiOpts = append(apiOpts, httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
	api := httpapi.New(cfg.Bind, st, rt, apiOpts...)
	rt.Register(api.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(api.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})

	logger.Info("timerelay-server started", "bind", cfg.Bind, "version", version.String())
	if err := g.Wait(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	logger.Info("timerelay-server stopped")
}
