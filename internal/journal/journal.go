// Package journal records raw key packets in SQLite for later replay.
//
// Every row carries a BLAKE2b-256 chain value over the previous row's chain,
// the wire revision and the packet bytes, so edits and deletions inside the
// journal are detected by Verify.
package journal

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"

	"keybridge/internal/keyboard"
	"keybridge/internal/keys"
	"keybridge/internal/wire"
)

// ErrChainBroken is matched by the error Verify returns for a journal whose
// chain does not recompute.
var ErrChainBroken = errors.New("journal: chain broken")

// ChainError reports the first row whose chain value is wrong.
type ChainError struct {
	Seq int64
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("journal: chain broken at seq %d", e.Seq)
}

func (e *ChainError) Is(target error) bool {
	return target == ErrChainBroken
}

// Result values stored with a packet.
const (
	ResultHandled  = "handled"
	ResultSkip     = "skip"
	ResultRejected = "rejected"
)

// ResultOf converts a tracker outcome to its stored form.
func ResultOf(res keyboard.Result, err error) string {
	if err != nil {
		return ResultRejected
	}
	return res.String()
}

// Record is one journaled packet.
type Record struct {
	Seq        int64
	ReceivedAt time.Time
	Revision   wire.Revision
	Data       []byte
	Result     string
	Chain      [32]byte
}

// Journal is an append-only packet log.
type Journal struct {
	db   *sql.DB
	path string

	mu   sync.Mutex
	seq  int64
	last [32]byte
	now  func() time.Time
}

// Open opens or creates the journal at path and runs migrations.
func Open(path string, busyTimeout time.Duration) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer; the chain tail lives in memory.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{db: db, path: path, now: time.Now}
	if err := j.loadTail(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) loadTail() error {
	var chain []byte
	err := j.db.QueryRow("SELECT seq, chain FROM packets ORDER BY seq DESC LIMIT 1").Scan(&j.seq, &chain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load journal tail: %w", err)
	}
	copy(j.last[:], chain)
	return nil
}

// Path returns the database file.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Chain computes the chain value that follows prev for one packet.
func Chain(prev [32]byte, rev wire.Revision, data []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(prev[:])
	var r [4]byte
	binary.BigEndian.PutUint32(r[:], uint32(rev))
	h.Write(r[:])
	h.Write(data)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append stores one packet and returns its record.
func (j *Journal) Append(ctx context.Context, rev wire.Revision, data []byte, result string) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := &Record{
		Seq:        j.seq + 1,
		ReceivedAt: j.now(),
		Revision:   rev,
		Data:       append([]byte(nil), data...),
		Result:     result,
		Chain:      Chain(j.last, rev, data),
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO packets (seq, received_ns, revision, data, result, chain)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Seq, rec.ReceivedAt.UnixNano(), int(rec.Revision), rec.Data, rec.Result, rec.Chain[:],
	)
	if err != nil {
		return nil, fmt.Errorf("insert packet: %w", err)
	}

	j.seq = rec.Seq
	j.last = rec.Chain
	return rec, nil
}

// Count returns the number of journaled packets.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM packets").Scan(&n); err != nil {
		return 0, fmt.Errorf("count packets: %w", err)
	}
	return n, nil
}

// Iterate calls fn for every record in sequence order. An error from fn
// stops the walk and is returned.
func (j *Journal) Iterate(ctx context.Context, fn func(*Record) error) error {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, received_ns, revision, data, result, chain
		FROM packets
		ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query packets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec        Record
			receivedNs int64
			rev        int
			chain      []byte
		)
		if err := rows.Scan(&rec.Seq, &receivedNs, &rev, &rec.Data, &rec.Result, &chain); err != nil {
			return fmt.Errorf("scan packet: %w", err)
		}
		rec.ReceivedAt = time.Unix(0, receivedNs)
		rec.Revision = wire.Revision(rev)
		copy(rec.Chain[:], chain)

		if err := fn(&rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Verify recomputes the chain from the first row. It returns a *ChainError
// for the first row that does not match, including gaps in the sequence.
func (j *Journal) Verify(ctx context.Context) error {
	var (
		prev [32]byte
		next int64 = 1
	)
	return j.Iterate(ctx, func(rec *Record) error {
		if rec.Seq != next {
			return &ChainError{Seq: next}
		}
		if Chain(prev, rec.Revision, rec.Data) != rec.Chain {
			return &ChainError{Seq: rec.Seq}
		}
		prev = rec.Chain
		next++
		return nil
	})
}

// Sink consumes replayed packets. *keyboard.Tracker implements it.
type Sink interface {
	HandleMessage(ctx context.Context, codec *wire.Codec, data []byte) (keyboard.Result, error)
	Registry() *keys.Registry
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Packets  int
	Handled  int
	Rejected int
	// Diverged counts packets whose outcome differs from the recorded one.
	Diverged int
}

// Replay feeds every journaled packet to sink in sequence order. Packets
// that fail to decode are counted and skipped, as they were when recorded.
func (j *Journal) Replay(ctx context.Context, sink Sink) (ReplayStats, error) {
	var stats ReplayStats
	codecs := make(map[wire.Revision]*wire.Codec)

	err := j.Iterate(ctx, func(rec *Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		codec, ok := codecs[rec.Revision]
		if !ok {
			c, err := wire.NewCodec(rec.Revision, sink.Registry())
			if err != nil {
				return fmt.Errorf("seq %d: %w", rec.Seq, err)
			}
			codec = c
			codecs[rec.Revision] = c
		}

		res, err := sink.HandleMessage(ctx, codec, rec.Data)
		stats.Packets++
		switch {
		case errors.Is(err, wire.ErrDecode), errors.Is(err, wire.ErrInvalidPacket):
			stats.Rejected++
		case err != nil:
			return fmt.Errorf("replay seq %d: %w", rec.Seq, err)
		case res == keyboard.Handled:
			stats.Handled++
		}
		if ResultOf(res, err) != rec.Result {
			stats.Diverged++
		}
		return nil
	})
	return stats, err
}
