// Command timerelay-receiver subscribes to streams on the central server
// and re-exposes each stream's reads on a local TCP port for scoring
// software.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/graaaaa/timerelay/internal/config"
	"github.com/graaaaa/timerelay/internal/receiver"
	"github.com/graaaaa/timerelay/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("timerelay-receiver", version.String())
		return
	}
	if flag.NArg() != 1 {
		log.Fatal("usage: timerelay-receiver [flags] <config.yaml>")
	}

	cfg, err := config.LoadReceiver(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cursors, err := receiver.OpenCursorDB(cfg.CursorDBPath)
	if err != nil {
		log.Fatalf("Failed to open cursor database: %v", err)
	}
	defer cursors.Close()

	subs := make([]receiver.Subscription, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		subs = append(subs, receiver.Subscription{
			ForwarderID:       s.ForwarderID,
			ReaderIP:          s.ReaderIP,
			LocalPortOverride: s.LocalPort,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exposer, err := receiver.NewExposer(ctx, subs, logger)
	if err != nil {
		log.Fatalf("Failed to bind local ports: %v", err)
	}
	defer exposer.CloseAll()

	for key, a := range exposer.Degraded() {
		logger.Warn("stream will not be exposed locally",
			"stream", key, "wanted_port", a.Wanted, "collides_with", a.CollidesWith)
	}

	client := receiver.New(receiver.Config{
		URL:           cfg.WSEndpoint(),
		Token:         cfg.Token,
		ReceiverID:    cfg.ReceiverID,
		Subscriptions: subs,
	}, cursors, exposer, receiver.WithLogger(logger))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(ctx)
	})

	logger.Info("timerelay-receiver started",
		"receiver_id", cfg.ReceiverID, "subscriptions", len(subs), "version", version.String())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Receiver failed: %v", err)
	}
	logger.Info("timerelay-receiver stopped")
}
