// Package clickhousestore persists request outcomes in ClickHouse.
//
// It implements store.OutcomeStore. Appends go through PrepareBatch so the
// async outcome writer can flush a whole batch in one insert; Query serves
// the balancer's windowed percentile computation.
package clickhousestore

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/llmweaver/llmweaver/internal/store"
)

const ddl = `
CREATE TABLE IF NOT EXISTS request_outcomes (
    request_id    String,
    caller_id     Int64,
    owner_id      Int64,
    channel_id    Int64,
    model         String,
    status        LowCardinality(String),
    tokens_in     Int32,
    tokens_out    Int32,
    cost          Float64,
    latency_ms    Int64,
    error_message String,
    ts            DateTime64(3)
) ENGINE = MergeTree
ORDER BY (channel_id, model, ts)
TTL toDateTime(ts) + INTERVAL 30 DAY
`

const insertStmt = "INSERT INTO request_outcomes"

// Store is a ClickHouse-backed outcome store.
type Store struct {
	conn driver.Conn
}

// Open connects to ClickHouse using a DSN such as
// "clickhouse://default:@localhost:9000/llmweaver", verifies the connection
// and creates the outcomes table if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhousestore: parse dsn: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhousestore: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhousestore: ping: %w", err)
	}

	if err := conn.Exec(ctx, ddl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhousestore: create table: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Append inserts a single outcome. The hot path should prefer AppendBatch
// via the async writer; this exists to satisfy store.OutcomeStore and for
// admin-triggered writes.
func (s *Store) Append(ctx context.Context, o *store.RequestOutcome) error {
	return s.AppendBatch(ctx, []store.RequestOutcome{*o})
}

// AppendBatch inserts a batch of outcomes in one round trip.
func (s *Store) AppendBatch(ctx context.Context, outcomes []store.RequestOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, insertStmt)
	if err != nil {
		return fmt.Errorf("clickhousestore: prepare batch: %w", err)
	}
	for i := range outcomes {
		o := &outcomes[i]
		ts := o.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		err := batch.Append(
			o.RequestID,
			o.CallerID,
			o.OwnerID,
			o.ChannelID,
			o.Model,
			o.Status,
			int32(o.TokensIn),
			int32(o.TokensOut),
			o.Cost,
			o.LatencyMS,
			o.ErrorMessage,
			ts,
		)
		if err != nil {
			return fmt.Errorf("clickhousestore: append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhousestore: send batch: %w", err)
	}
	return nil
}

// Query returns outcomes for (channelID, model) since the given time.
func (s *Store) Query(ctx context.Context, channelID int64, model string, since time.Time) ([]store.RequestOutcome, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT request_id, caller_id, owner_id, channel_id, model, status,
		       tokens_in, tokens_out, cost, latency_ms, error_message, ts
		FROM request_outcomes
		WHERE channel_id = ? AND model = ? AND ts >= ?`,
		channelID, model, since,
	)
	if err != nil {
		return nil, fmt.Errorf("clickhousestore: query: %w", err)
	}
	defer rows.Close()

	var out []store.RequestOutcome
	for rows.Next() {
		var (
			o                   store.RequestOutcome
			tokensIn, tokensOut int32
		)
		err := rows.Scan(
			&o.RequestID, &o.CallerID, &o.OwnerID, &o.ChannelID, &o.Model,
			&o.Status, &tokensIn, &tokensOut, &o.Cost, &o.LatencyMS,
			&o.ErrorMessage, &o.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("clickhousestore: scan: %w", err)
		}
		o.TokensIn = int(tokensIn)
		o.TokensOut = int(tokensOut)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}
