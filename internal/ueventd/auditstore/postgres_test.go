//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/ueventd/auditstore/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package auditstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/midyukov-anton/make-initrd/internal/ueventd/audit"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/auditstore"
)

const auditEntriesDDL = `
CREATE TABLE IF NOT EXISTS audit_entries (
    seq        BIGINT PRIMARY KEY,
    ts         TIMESTAMPTZ NOT NULL,
    queue      TEXT NOT NULL,
    event      TEXT NOT NULL DEFAULT '',
    rule       TEXT NOT NULL,
    phase      TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    prev_hash  TEXT NOT NULL,
    event_hash TEXT NOT NULL
);
`

func setupPostgres(t *testing.T) (*auditstore.PostgresSink, *pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("ueventd_test"),
		tcpostgres.WithUsername("ueventd"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect: %v", err)
	}
	if _, err := rawPool.Exec(ctx, auditEntriesDDL); err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("apply schema: %v", err)
	}

	sink, err := auditstore.NewPostgresSink(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("NewPostgresSink: %v", err)
	}

	cleanup := func() {
		sink.Close(ctx)
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return sink, rawPool, cleanup
}

func TestPostgresSinkFlushesOnBatchSize(t *testing.T) {
	sink, pool, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		e := audit.Entry{
			Seq: i, Timestamp: time.Now().UTC(), Queue: "alpha", Rule: "r",
			Phase: "EVENT", Outcome: audit.OutcomeSuccess, PrevHash: audit.GenesisHash, EventHash: "h",
		}
		if err := sink.Mirror(e); err != nil {
			t.Fatalf("Mirror seq %d: %v", i, err)
		}
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 10 {
		t.Fatalf("got %d rows, want 10 (batch size should have triggered an automatic flush)", count)
	}
}

func TestPostgresSinkFlushesOnTicker(t *testing.T) {
	sink, pool, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	e := audit.Entry{
		Seq: 1, Timestamp: time.Now().UTC(), Queue: "alpha", Rule: "r",
		Phase: "EVENT", Outcome: audit.OutcomeSuccess, PrevHash: audit.GenesisHash, EventHash: "h",
	}
	if err := sink.Mirror(e); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("got %d rows, want 1 (ticker should have flushed the single buffered entry)", count)
	}
}
