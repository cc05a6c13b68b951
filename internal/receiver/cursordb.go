// Package receiver implements the receiver daemon's core: the WebSocket
// client that mirrors the forwarder uplink on the read side, a durable
// cursor store, deterministic local port mapping, and the per-stream TCP
// re-exposure feeding scoring software.
package receiver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"

	"github.com/graaaaa/timerelay/internal/protocol"
)

// ErrCorrupt is returned by OpenCursorDB when integrity_check fails.
var ErrCorrupt = errors.New("receiver: cursor database failed integrity check")

// Subscription is one stream the receiver wants, with an optional local
// port override.
type Subscription struct {
	ForwarderID       string
	ReaderIP          string
	LocalPortOverride uint16 // 0 means default 10000 + last octet
}

// CursorDB durably records per-(stream, epoch) delivery watermarks so a
// restart resumes instead of replaying.
type CursorDB struct {
	db *sql.DB
}

// OpenCursorDB opens the local cursor store with the same durability
// discipline as the forwarder journal: WAL, synchronous=FULL, integrity
// check on open.
func OpenCursorDB(path string) (*CursorDB, error) {
	escapedPath := url.PathEscape(path)
	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		escapedPath,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cursor db: %w", err)
	}

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, result)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS cursors (
		forwarder_id TEXT NOT NULL,
		reader_ip    TEXT NOT NULL,
		stream_epoch INTEGER NOT NULL,
		last_seq     INTEGER NOT NULL,
		PRIMARY KEY (forwarder_id, reader_ip, stream_epoch)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cursor schema: %w", err)
	}
	return &CursorDB{db: db}, nil
}

// Close closes the store.
func (c *CursorDB) Close() error {
	return c.db.Close()
}

// Update advances the cursor for (forwarderID, readerIP, epoch) to
// lastSeq. Within an epoch the cursor never regresses.
func (c *CursorDB) Update(ctx context.Context, forwarderID, readerIP string, epoch, lastSeq uint64) error {
	_, err := c.db.ExecContext(ctx, `
	INSERT INTO cursors (forwarder_id, reader_ip, stream_epoch, last_seq)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(forwarder_id, reader_ip, stream_epoch)
	DO UPDATE SET last_seq = excluded.last_seq
	WHERE excluded.last_seq > cursors.last_seq`,
		forwarderID, readerIP, int64(epoch), int64(lastSeq))
	if err != nil {
		return fmt.Errorf("update cursor (%s, %s, %d): %w", forwarderID, readerIP, epoch, err)
	}
	return nil
}

// ResumeCursors returns, for every known stream, the lexicographically
// greatest (epoch, seq) cursor, in the shape the hello resume list wants.
func (c *CursorDB) ResumeCursors(ctx context.Context) ([]protocol.ResumeCursor, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT forwarder_id, reader_ip, stream_epoch, last_seq
	FROM cursors ORDER BY forwarder_id, reader_ip, stream_epoch`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]protocol.ResumeCursor)
	var order []string
	for rows.Next() {
		var cur protocol.ResumeCursor
		var epoch, seq int64
		if err := rows.Scan(&cur.ForwarderID, &cur.ReaderIP, &epoch, &seq); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		cur.StreamEpoch = uint64(epoch)
		cur.LastSeq = uint64(seq)

		key := StreamKey(cur.ForwarderID, cur.ReaderIP)
		prev, seen := latest[key]
		if !seen {
			order = append(order, key)
			latest[key] = cur
			continue
		}
		if protocol.CursorLess(prev.StreamEpoch, prev.LastSeq, cur.StreamEpoch, cur.LastSeq) {
			latest[key] = cur
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cursors rows: %w", err)
	}

	cursors := make([]protocol.ResumeCursor, 0, len(order))
	for _, key := range order {
		cursors = append(cursors, latest[key])
	}
	return cursors, nil
}
