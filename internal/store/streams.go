package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream is one (forwarder_id, reader_ip) pair with its server-assigned id.
type Stream struct {
	ID           string
	ForwarderID  string
	ReaderIP     string
	DisplayAlias string
	StreamEpoch  uint64
	CreatedAt    time.Time
}

// UpsertStream resolves (forwarderID, readerIP) to its stable stream id,
// minting a fresh id with epoch 1 for a new pair.
func (s *Store) UpsertStream(ctx context.Context, forwarderID, readerIP string) (Stream, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Stream{}, fmt.Errorf("begin upsert stream: %w", err)
	}
	defer tx.Rollback()

	st, err := upsertStreamTx(ctx, tx, forwarderID, readerIP)
	if err != nil {
		return Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return Stream{}, fmt.Errorf("commit upsert stream: %w", err)
	}
	return st, nil
}

func upsertStreamTx(ctx context.Context, tx *sql.Tx, forwarderID, readerIP string) (Stream, error) {
	st, err := scanStream(tx.QueryRowContext(ctx, `
	SELECT stream_id, forwarder_id, reader_ip, COALESCE(display_alias, ''), stream_epoch, created_at
	FROM streams WHERE forwarder_id = ? AND reader_ip = ?`, forwarderID, readerIP))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Stream{}, err
	}

	st = Stream{
		ID:          uuid.NewString(),
		ForwarderID: forwarderID,
		ReaderIP:    readerIP,
		StreamEpoch: 1,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO streams (stream_id, forwarder_id, reader_ip, stream_epoch, created_at)
	VALUES (?, ?, ?, 1, ?)`,
		st.ID, forwarderID, readerIP, st.CreatedAt.Format(TimeFormat),
	); err != nil {
		return Stream{}, fmt.Errorf("insert stream (%s, %s): %w", forwarderID, readerIP, err)
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO stream_metrics (stream_id) VALUES (?)`, st.ID); err != nil {
		return Stream{}, fmt.Errorf("insert stream metrics %s: %w", st.ID, err)
	}
	return st, nil
}

// GetStream returns a stream by id. ErrNotFound when unknown.
func (s *Store) GetStream(ctx context.Context, streamID string) (Stream, error) {
	return scanStream(s.db.QueryRowContext(ctx, `
	SELECT stream_id, forwarder_id, reader_ip, COALESCE(display_alias, ''), stream_epoch, created_at
	FROM streams WHERE stream_id = ?`, streamID))
}

// FindStream returns a stream by identity pair. ErrNotFound when unknown.
func (s *Store) FindStream(ctx context.Context, forwarderID, readerIP string) (Stream, error) {
	return scanStream(s.db.QueryRowContext(ctx, `
	SELECT stream_id, forwarder_id, reader_ip, COALESCE(display_alias, ''), stream_epoch, created_at
	FROM streams WHERE forwarder_id = ? AND reader_ip = ?`, forwarderID, readerIP))
}

// ListStreams returns all streams ordered by forwarder then reader.
func (s *Store) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT stream_id, forwarder_id, reader_ip, COALESCE(display_alias, ''), stream_epoch, created_at
	FROM streams ORDER BY forwarder_id, reader_ip`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var streams []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list streams rows: %w", err)
	}
	return streams, nil
}

// RenameStream sets the display alias. ErrNotFound when unknown.
func (s *Store) RenameStream(ctx context.Context, streamID, alias string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE streams SET display_alias = ? WHERE stream_id = ?`, alias, streamID)
	if err != nil {
		return fmt.Errorf("rename stream %s: %w", streamID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: stream %s", ErrNotFound, streamID)
	}
	return nil
}

// advanceEpochTx raises the stream's epoch if newEpoch is higher. Ingest
// observing a higher-epoch event is the only path that moves the epoch.
func advanceEpochTx(ctx context.Context, tx *sql.Tx, streamID string, newEpoch uint64) error {
	if _, err := tx.ExecContext(ctx, `
	UPDATE streams SET stream_epoch = ? WHERE stream_id = ? AND stream_epoch < ?`,
		int64(newEpoch), streamID, int64(newEpoch),
	); err != nil {
		return fmt.Errorf("advance epoch %s: %w", streamID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (Stream, error) {
	var st Stream
	var epoch int64
	var createdAt string
	err := row.Scan(&st.ID, &st.ForwarderID, &st.ReaderIP, &st.DisplayAlias, &epoch, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Stream{}, ErrNotFound
	}
	if err != nil {
		return Stream{}, fmt.Errorf("scan stream: %w", err)
	}
	st.StreamEpoch = uint64(epoch)
	t, err := time.Parse(TimeFormat, createdAt)
	if err != nil {
		return Stream{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	st.CreatedAt = t
	return st, nil
}
