// Package integration exercises the full pipeline: forwarder journal and
// uplink, server ingest and fan-out, receiver delivery and local TCP
// re-exposure.
package integration

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/graaaaa/timerelay/internal/backoff"
	"github.com/graaaaa/timerelay/internal/dispatch"
	"github.com/graaaaa/timerelay/internal/httpapi"
	"github.com/graaaaa/timerelay/internal/ingest"
	"github.com/graaaaa/timerelay/internal/journal"
	"github.com/graaaaa/timerelay/internal/receiver"
	"github.com/graaaaa/timerelay/internal/router"
	"github.com/graaaaa/timerelay/internal/store"
	"github.com/graaaaa/timerelay/internal/uplink"
)

type serverRig struct {
	store  *store.Store
	router *router.Router
	http   *httptest.Server
	wsBase string
}

func startServer(t *testing.T) *serverRig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "server.sqlite3"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := dispatch.New(st)
	e := ingest.New(st, d)
	rt := router.New(st, e, d, router.WithHeartbeatInterval(5*time.Second))

	api := httpapi.New("127.0.0.1:0", st, rt)
	rt.Register(api.Mux())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	if err := st.AddToken(ctx, "fwd-token", store.DeviceForwarder, "fwd-01"); err != nil {
		t.Fatalf("AddToken: %v", err)
	}
	if err := st.AddToken(ctx, "rcv-token", store.DeviceReceiver, "rcv-01"); err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	return &serverRig{
		store:  st,
		router: rt,
		http:   srv,
		wsBase: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func fastBackoff() *backoff.Calculator {
	return backoff.NewWithSeed(backoff.Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
	}, 1)
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.sqlite3"))
	if err != nil {
		t.Fatalf("Open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func journalRead(t *testing.T, j *journal.Journal, ip, line string) (epoch, seq uint64) {
	t.Helper()
	ctx := context.Background()
	epoch, seq, err := j.NextSeq(ctx, ip)
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	if err := j.InsertEvent(ctx, journal.Event{
		ReaderIP:        ip,
		StreamEpoch:     epoch,
		Seq:             seq,
		ReaderTimestamp: "2001-12-30T18:45:00.000",
		RawReadLine:     line,
		ReadType:        "RAW",
	}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	return epoch, seq
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return uint16(port)
}

// Reads journaled on the forwarder arrive at a receiver's local TCP port
// with CRLF framing, surviving the full WS round trip.
func TestEndToEndDelivery(t *testing.T) {
	rig := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const readerIP = "192.168.50.1"
	j := openJournal(t)
	if err := j.EnsureStreamState(ctx, readerIP, 1); err != nil {
		t.Fatalf("EnsureStreamState: %v", err)
	}
	for _, line := range []string{"read-1", "read-2", "read-3"} {
		journalRead(t, j, readerIP, line)
	}

	up := uplink.New(uplink.Config{
		URL:         rig.wsBase + router.ForwardersPath,
		Token:       "fwd-token",
		ForwarderID: "fwd-01",
		ReaderIPs:   []string{readerIP},
	}, j, uplink.WithBackoff(fastBackoff()))
	go up.Run(ctx)

	// Forwarder side drains and gets acked.
	waitFor(t, "forwarder ack", func() bool {
		epoch, seq, err := j.AckCursor(context.Background(), readerIP)
		return err == nil && epoch == 1 && seq == 3
	})

	// Receiver re-exposes locally.
	cursors, err := receiver.OpenCursorDB(filepath.Join(t.TempDir(), "cursors.sqlite3"))
	if err != nil {
		t.Fatalf("OpenCursorDB: %v", err)
	}
	defer cursors.Close()

	subs := []receiver.Subscription{{ForwarderID: "fwd-01", ReaderIP: readerIP, LocalPortOverride: freePort(t)}}
	exposer, err := receiver.NewExposer(ctx, subs, nil)
	if err != nil {
		t.Fatalf("NewExposer: %v", err)
	}
	defer exposer.CloseAll()

	consumer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(subs[0].LocalPortOverride))))
	if err != nil {
		t.Fatalf("dial local port: %v", err)
	}
	defer consumer.Close()
	time.Sleep(50 * time.Millisecond)

	client := receiver.New(receiver.Config{
		URL:           rig.wsBase + router.ReceiversPath,
		Token:         "rcv-token",
		ReceiverID:    "rcv-01",
		Subscriptions: subs,
	}, cursors, exposer, receiver.WithBackoff(fastBackoff()))
	go client.Run(ctx)

	consumer.SetReadDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(consumer)
	for i, want := range []string{"read-1\r\n", "read-2\r\n", "read-3\r\n"} {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read line %d: %v", i, err)
		}
		if line != want {
			t.Errorf("line %d = %q, want %q", i, line, want)
		}
	}

	// The receiver's durable cursor catches up, enabling clean resume.
	waitFor(t, "receiver cursor", func() bool {
		cs, err := cursors.ResumeCursors(context.Background())
		return err == nil && len(cs) == 1 && cs[0].StreamEpoch == 1 && cs[0].LastSeq == 3
	})
}

// Epoch reset: epoch-1 rows survive, the forwarder restarts at (2, 1), and
// the stream row advances once the first epoch-2 event is ingested.
func TestEpochResetEndToEnd(t *testing.T) {
	rig := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const readerIP = "192.168.50.1"
	j := openJournal(t)
	if err := j.EnsureStreamState(ctx, readerIP, 1); err != nil {
		t.Fatalf("EnsureStreamState: %v", err)
	}
	for _, line := range []string{"e1-s1", "e1-s2", "e1-s3"} {
		journalRead(t, j, readerIP, line)
	}

	up := uplink.New(uplink.Config{
		URL:         rig.wsBase + router.ForwardersPath,
		Token:       "fwd-token",
		ForwarderID: "fwd-01",
		ReaderIPs:   []string{readerIP},
	}, j, uplink.WithBackoff(fastBackoff()))
	go up.Run(ctx)

	waitFor(t, "epoch-1 ack", func() bool {
		epoch, seq, err := j.AckCursor(context.Background(), readerIP)
		return err == nil && epoch == 1 && seq == 3
	})

	st, err := rig.store.FindStream(ctx, "fwd-01", readerIP)
	if err != nil {
		t.Fatalf("FindStream: %v", err)
	}

	// Operator resets the epoch over HTTP. A 409 means the forwarder was
	// between reconnects; retry until the command lands.
	waitFor(t, "reset-epoch accepted", func() bool {
		resp, err := http.Post(rig.http.URL+"/api/v1/streams/"+st.ID+"/reset-epoch", "", nil)
		if err != nil {
			t.Fatalf("reset-epoch: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	})

	// The forwarder applies the bump and reconnects; seq restarts at 1.
	waitFor(t, "journal epoch bump", func() bool {
		states, err := j.StreamStates(context.Background())
		return err == nil && len(states) == 1 && states[0].CurrentEpoch == 2
	})

	epoch, seq := journalRead(t, j, readerIP, "e2-s1")
	if epoch != 2 || seq != 1 {
		t.Fatalf("new-epoch read = (%d, %d), want (2, 1)", epoch, seq)
	}
	up.Notify()

	// All three epoch-1 rows AND the epoch-2 row are on the server, and
	// the stream row shows the advanced epoch.
	waitFor(t, "epoch-2 ingest", func() bool {
		events, err := rig.store.ExportEvents(context.Background(), st.ID)
		if err != nil || len(events) != 4 {
			return false
		}
		stream, err := rig.store.GetStream(context.Background(), st.ID)
		return err == nil && stream.StreamEpoch == 2
	})

	events, err := rig.store.ExportEvents(ctx, st.ID)
	if err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}
	last := events[len(events)-1]
	if last.StreamEpoch != 2 || last.Seq != 1 || last.RawReadLine != "e2-s1" {
		t.Errorf("last event = %+v, want (2, 1, e2-s1)", last)
	}
}
