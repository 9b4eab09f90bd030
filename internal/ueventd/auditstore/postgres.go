package auditstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/midyukov-anton/make-initrd/internal/ueventd/audit"
)

const (
	// DefaultBatchSize is the maximum number of buffered entries before an
	// automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending entries even when the batch has not reached DefaultBatchSize.
	DefaultFlushInterval = 250 * time.Millisecond
)

// PostgresSink batches audit entries in memory and flushes them to
// PostgreSQL in a single round-trip, either when the batch fills or on a
// fixed interval, whichever comes first. Because audit.Logger already
// guarantees durability via the local hash-chained file, this sink may lose
// its most recent batch across a crash without compromising the log
// itself; only the mirror's staleness window is at stake.
type PostgresSink struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []audit.Entry
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewPostgresSink opens a pgxpool connection to connStr, pings the
// database, and starts the background flush goroutine. batchSize ≤ 0 is
// replaced with DefaultBatchSize; flushInterval ≤ 0 is replaced with
// DefaultFlushInterval.
func NewPostgresSink(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*PostgresSink, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("auditstore: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditstore: ping: %w", err)
	}

	s := &PostgresSink{
		pool:          pool,
		batch:         make([]audit.Entry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Mirror buffers e for batched insertion. It implements audit.Sink. If the
// buffer reaches batchSize after appending, Flush runs synchronously so the
// caller observes back-pressure rather than unbounded memory growth.
func (s *PostgresSink) Mirror(e audit.Entry) error {
	s.mu.Lock()
	s.batch = append(s.batch, e)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(context.Background())
	}
	return nil
}

// Flush drains the current buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Rows that conflict on the primary key (a
// re-mirrored entry after a reconnect) are silently ignored.
func (s *PostgresSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]audit.Entry, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO audit_entries
			(seq, ts, queue, event, rule, phase, outcome, prev_hash, event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (seq) DO NOTHING`

	b := &pgx.Batch{}
	for _, e := range toInsert {
		b.Queue(query, e.Seq, e.Timestamp.UTC(), e.Queue, e.Event, e.Rule, e.Phase, string(e.Outcome), e.PrevHash, e.EventHash)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("auditstore: batch exec: %w", err)
		}
	}
	return nil
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (s *PostgresSink) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Close stops the background flush goroutine, flushes any remaining
// buffered entries, and closes the connection pool. Safe to call more than
// once.
func (s *PostgresSink) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}
