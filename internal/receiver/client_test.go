package receiver

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

	"github.com/gorilla/websocket"

	"github.com/graaaaa/timerelay/internal/backoff"
	"github.com/graaaaa/timerelay/internal/protocol"
)

func fastBackoff() *backoff.Calculator {
	return backoff.NewWithSeed(backoff.Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}, 1)
}

func TestClientDeliversToLocalPortAndAcks(t *testing.T) {
	var upgrader websocket.Upgrader
	hellos := make(chan *protocol.ReceiverHello, 2)
	subscribes := make(chan *protocol.ReceiverSubscribe, 2)
	acks := make(chan *protocol.ReceiverAck, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		readMsg := func() protocol.Message {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return nil
			}
			m, err := protocol.Decode(data)
			if err != nil {
				t.Errorf("server decode: %v", err)
				return nil
			}
			return m
		}
		writeMsg := func(m protocol.Message) {
			data, _ := protocol.Encode(m)
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}

		m := readMsg()
		hello, ok := m.(*protocol.ReceiverHello)
		if !ok {
			t.Errorf("first frame = %T, want receiver_hello", m)
			return
		}
		hellos <- hello
		writeMsg(&protocol.Heartbeat{SessionID: "sess-r", DeviceID: "rcv-01"})

		if m := readMsg(); m != nil {
			if sub, ok := m.(*protocol.ReceiverSubscribe); ok {
				subscribes <- sub
			}
		}

		writeMsg(&protocol.ReceiverEventBatch{
			SessionID: "sess-r",
			Events: []protocol.ReadEvent{
				{
					ForwarderID: "fwd-01", ReaderIP: "192.168.50.1",
					StreamEpoch: 1, Seq: 1,
					ReaderTimestamp: "2001-12-30T18:45:00.000",
					RawReadLine:     "aa000000012345", ReadType: "RAW",
				},
				{
					ForwarderID: "fwd-01", ReaderIP: "192.168.50.1",
					StreamEpoch: 1, Seq: 2,
					ReaderTimestamp: "2001-12-30T18:45:10.100",
					RawReadLine:     "aa000000067890", ReadType: "RAW",
				},
			},
		})

		for {
			m := readMsg()
			if m == nil {
				return
			}
			if ack, ok := m.(*protocol.ReceiverAck); ok {
				acks <- ack
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cursors, err := OpenCursorDB(filepath.Join(t.TempDir(), "cursors.sqlite3"))
	if err != nil {
		t.Fatalf("OpenCursorDB: %v", err)
	}
	defer cursors.Close()

	subs := []Subscription{{ForwarderID: "fwd-01", ReaderIP: "192.168.50.1", LocalPortOverride: freePort(t)}}
	exposer, err := NewExposer(ctx, subs, nil)
	if err != nil {
		t.Fatalf("NewExposer: %v", err)
	}
	defer exposer.CloseAll()

	// Connect a local consumer before events flow.
	port := subs[0].LocalPortOverride
	consumer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial local port: %v", err)
	}
	defer consumer.Close()
	time.Sleep(50 * time.Millisecond)

	client := New(Config{
		URL:           "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:         "rcv-token",
		ReceiverID:    "rcv-01",
		Subscriptions: subs,
	}, cursors, exposer, WithBackoff(fastBackoff()))
	go client.Run(ctx)

	hello := <-hellos
	if hello.ReceiverID != "rcv-01" || len(hello.Resume) != 0 {
		t.Errorf("hello = %+v", hello)
	}
	sub := <-subscribes
	if len(sub.Streams) != 1 || sub.Streams[0].ReaderIP != "192.168.50.1" {
		t.Errorf("subscribe = %+v", sub)
	}

	// Each raw_read_line arrives on the local port followed by CRLF.
	consumer.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(consumer)
	for i, want := range []string{"aa000000012345\r\n", "aa000000067890\r\n"} {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read line %d: %v", i, err)
		}
		if line != want {
			t.Errorf("line %d = %q, want %q", i, line, want)
		}
	}

	ack := <-acks
	if len(ack.Entries) != 1 || ack.Entries[0].LastSeq != 2 || ack.Entries[0].StreamEpoch != 1 {
		t.Errorf("ack = %+v, want high-water (1, 2)", ack.Entries)
	}

	// Cursor persisted before the ack was sent.
	cs, err := cursors.ResumeCursors(context.Background())
	if err != nil {
		t.Fatalf("ResumeCursors: %v", err)
	}
	if len(cs) != 1 || cs[0].LastSeq != 2 {
		t.Errorf("persisted cursors = %+v", cs)
	}
}

// freePort grabs an ephemeral port and releases it for the test to rebind.
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
