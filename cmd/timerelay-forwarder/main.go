// Command timerelay-forwarder runs on site next to the chip readers: it
// tails each reader over TCP, journals every read durably, re-exposes the
// raw byte stream on local ports, and forwards journaled events to the
// central server over a WebSocket uplink.
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
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/graaaaa/timerelay/internal/config"
	"github.com/graaaaa/timerelay/internal/fanout"
	"github.com/graaaaa/timerelay/internal/httpapi"
	"github.com/graaaaa/timerelay/internal/ipico"
	"github.com/graaaaa/timerelay/internal/journal"
	"github.com/graaaaa/timerelay/internal/tailer"
	"github.com/graaaaa/timerelay/internal/uplink"
	"github.com/graaaaa/timerelay/internal/version"
)

// backpressureRetry is how long the pump waits before retrying an insert
// refused by the disk watermark.
const backpressureRetry = 5 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("timerelay-forwarder", version.String())
		return
	}
	if flag.NArg() != 1 {
		log.Fatal("usage: timerelay-forwarder [flags] <config.yaml>")
	}

	cfg, err := config.LoadForwarder(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	j, err := journal.Open(cfg.JournalPath, journal.WithWatermark(journal.Watermark{
		CeilingRows: cfg.JournalCeilingRows,
		Pct:         cfg.PruneWatermarkPct,
	}))
	if err != nil {
		// Integrity-check failures land here; the operator must intervene.
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer j.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resolve enabled readers and register their streams.
	type readerUnit struct {
		addr      string
		localPort uint16
	}
	var units []readerUnit
	for _, r := range cfg.Readers {
		if !r.Enabled {
			continue
		}
		for _, ep := range r.Endpoints {
			port := r.LocalFallbackPort
			if port == 0 {
				port = ep.DefaultLocalPort()
			}
			units = append(units, readerUnit{addr: ep.Addr(), localPort: port})
		}
	}
	if len(units) == 0 {
		log.Fatal("No enabled readers in config")
	}
	readerIPs := make([]string, 0, len(units))
	for _, u := range units {
		readerIPs = append(readerIPs, u.addr)
		if err := j.EnsureStreamState(ctx, u.addr, 1); err != nil {
			log.Fatalf("Failed to initialize stream state for %s: %v", u.addr, err)
		}
	}

	up := uplink.New(uplink.Config{
		URL:            cfg.WSEndpoint(),
		Token:          cfg.Token,
		ForwarderID:    cfg.ForwarderID,
		DisplayName:    cfg.DisplayName,
		ReaderIPs:      readerIPs,
		BatchMode:      uplink.BatchMode(cfg.BatchMode),
		BatchFlush:     time.Duration(cfg.BatchFlushMs) * time.Millisecond,
		BatchMaxEvents: cfg.BatchMaxEvents,
	}, j, uplink.WithLogger(logger))

	g, ctx := errgroup.WithContext(ctx)

	var tailers []httpapi.ReaderStatus
	for _, u := range units {
		// Local fanout must bind before anything flows; a port collision
		// here is a startup failure, not a degraded state.
		hub, err := fanout.Listen(fmt.Sprintf(":%d", u.localPort), fanout.WithLogger(logger))
		if err != nil {
			log.Fatalf("Failed to bind local fanout for %s: %v", u.addr, err)
		}
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})

		tl := tailer.New(u.addr, tailer.WithLogger(logger))
		tailers = append(tailers, tl)
		g.Go(func() error {
			return pumpReader(ctx, logger, tl, hub, j, up)
		})
	}

	g.Go(func() error {
		return up.Run(ctx)
	})

	// Scheduled journal maintenance: WAL checkpoint plus a prune sweep.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.CheckpointSchedule, func() {
		mctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := j.Checkpoint(mctx); err != nil {
			logger.Warn("journal checkpoint failed", "error", err)
		}
		if err := j.EnsureCapacity(mctx); err != nil && !errors.Is(err, journal.ErrBackpressure) {
			logger.Warn("journal prune sweep failed", "error", err)
		}
	}); err != nil {
		log.Fatalf("Invalid maintenance schedule %q: %v", cfg.CheckpointSchedule, err)
	}
	sched.Start()
	defer sched.Stop()

	status := httpapi.NewStatusServer(cfg.StatusBind, j, up, tailers, cfg.JournalPath, logger)
	g.Go(status.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return status.Shutdown(shutdownCtx)
	})

	logger.Info("timerelay-forwarder started",
		"forwarder_id", cfg.ForwarderID, "readers", len(units),
		"journal", cfg.JournalPath, "version", version.String())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Forwarder failed: %v", err)
	}
	logger.Info("timerelay-forwarder stopped")
}

// pumpReader moves one reader's bytes into the local fanout and its
// complete records into the journal, waking the uplink per insert.
func pumpReader(ctx context.Context, logger *slog.Logger, tl *tailer.Tailer, hub *fanout.Hub, j *journal.Journal, up *uplink.Uplink) error {
	chunks := tl.Start(ctx)
	var splitter tailer.Splitter

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			// Byte-exact re-exposure, before and independent of journaling.
			hub.Publish(chunk)

			for _, record := range splitter.Push(chunk) {
				if err := journalRecord(ctx, logger, tl.Addr(), record, j); err != nil {
					return err
				}
				up.Notify()
			}
		}
	}
}

func journalRecord(ctx context.Context, logger *slog.Logger, readerIP, record string, j *journal.Journal) error {
	// Watermark enforcement with backpressure: block the tailer until
	// acked rows free up space.
	for {
		err := j.EnsureCapacity(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, journal.ErrBackpressure) {
			return fmt.Errorf("journal capacity: %w", err)
		}
		logger.Warn("journal watermark exceeded, waiting for acks", "reader_ip", readerIP)
		select {
		case <-time.After(backpressureRetry):
		case <-ctx.Done():
			return nil
		}
	}

	readerTimestamp := ""
	readType := string(ipico.TypeRAW)
	if parsed, err := ipico.Parse(record); err == nil {
		readerTimestamp = parsed.Timestamp
		readType = string(parsed.Type)
	}

	epoch, seq, err := j.NextSeq(ctx, readerIP)
	if err != nil {
		return fmt.Errorf("assign seq for %s: %w", readerIP, err)
	}
	if err := j.InsertEvent(ctx, journal.Event{
		ReaderIP:        readerIP,
		StreamEpoch:     epoch,
		Seq:             seq,
		ReaderTimestamp: readerTimestamp,
		RawReadLine:     record,
		ReadType:        readType,
	}); err != nil {
		return fmt.Errorf("journal read (%s, %d, %d): %w", readerIP, epoch, seq, err)
	}
	return nil
}
