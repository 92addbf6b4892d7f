// Package pgstore is the Postgres persistence layer. All writes are
// idempotent: bulk inserts rely on ON CONFLICT DO NOTHING against the
// unique constraints, so replaying a block range never duplicates rows.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kayufok/chain-data/batch"
)

//go:embed schema.sql
var schemaSQL string

// ErrStorageIntegrity marks failures of the address write path. The
// high-water mark must not advance past blocks whose addresses were not
// durably stored, so callers treat this as fatal for the batch.
var ErrStorageIntegrity = errors.New("storage integrity failure")

const (
	// Session tuning for the bulk insert transaction. work_mem sizes the
	// unnest sort, synchronous_commit trades a WAL flush for latency; a
	// crash loses at most one batch, which the replay path re-ingests.
	bulkWorkMem           = "'256MB'"
	bulkSynchronousCommit = "off"

	connectMaxElapsed = 2 * time.Minute
	queryTimeout      = 30 * time.Second
)

// Store implements batch.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  log.Logger

	bulkTimer  metrics.Timer
	queryTimer metrics.Timer
}

// Connect dials Postgres with exponential backoff until a ping succeeds
// or the retry window elapses. Databases routinely come up after the
// service in container deployments.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	logger := log.New("module", "pgstore")

	var pool *pgxpool.Pool
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	err = backoff.RetryNotify(func() error {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		logger.Warn("Postgres not ready, retrying", "err", err, "nextAttempt", common.PrettyDuration(next))
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	logger.Info("Connected to Postgres", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &Store{
		pool:       pool,
		log:        logger,
		bulkTimer:  metrics.NewRegisteredTimer("chaindata/db/bulkinsert", nil),
		queryTimer: metrics.NewRegisteredTimer("chaindata/db/query", nil),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InitSchema applies the embedded DDL. Every statement is IF NOT EXISTS
// so this is safe on every boot.
func (s *Store) InitSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// EnsureChain seeds the chain cursor row if it does not exist yet. An
// existing row keeps its high-water mark.
func (s *Store) EnsureChain(ctx context.Context, externalID, name string, startBlock uint64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chain_info (chain_id, chain_name, next_block_number, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (chain_id) DO NOTHING`,
		externalID, name, startBlock)
	if err != nil {
		return fmt.Errorf("seed chain %q: %w", externalID, err)
	}
	if tag.RowsAffected() > 0 {
		s.log.Info("Seeded chain cursor", "chain", externalID, "name", name, "startBlock", startBlock)
	}
	return nil
}

// LoadChain reads the cursor row for the given external chain id.
func (s *Store) LoadChain(ctx context.Context, externalID string) (*batch.ChainInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	start := time.Now()
	defer s.queryTimer.UpdateSince(start)

	var chain batch.ChainInfo
	err := s.pool.QueryRow(ctx, `
		SELECT id, chain_name, chain_id, next_block_number
		FROM chain_info
		WHERE chain_id = $1`,
		externalID).Scan(&chain.ID, &chain.Name, &chain.ExternalID, &chain.NextBlock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chain %q not configured", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("load chain %q: %w", externalID, err)
	}
	return &chain, nil
}

// BulkUpsert stores the batch's addresses and their chain memberships.
//
// The address rows and the id resolution run first; a failure there is
// wrapped in ErrStorageIntegrity so the caller aborts before the
// high-water mark moves. The membership rows run in a second
// transaction and are only logged on failure: the pairs are
// reconstructible from a replay and must not block ingestion.
func (s *Store) BulkUpsert(ctx context.Context, addresses []string, chainRowID int64) error {
	if len(addresses) == 0 {
		return nil
	}
	start := time.Now()
	defer s.bulkTimer.UpdateSince(start)

	ids, err := s.insertAddresses(ctx, addresses)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIntegrity, err)
	}
	if err := s.insertMemberships(ctx, ids, chainRowID); err != nil {
		s.log.Error("Address chain membership insert failed, continuing",
			"addresses", len(ids), "chainRowId", chainRowID, "err", err)
	}

	s.log.Debug("Bulk upsert complete", "addresses", len(addresses),
		"elapsed", common.PrettyDuration(time.Since(start)))
	return nil
}

func (s *Store) insertAddresses(ctx context.Context, addresses []string) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL work_mem = "+bulkWorkMem); err != nil {
		return nil, fmt.Errorf("tune work_mem: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL synchronous_commit = "+bulkSynchronousCommit); err != nil {
		return nil, fmt.Errorf("tune synchronous_commit: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO address (wallet_address, created_at, updated_at)
		SELECT a.addr, now(), now()
		FROM unnest($1::text[]) AS a(addr)
		ON CONFLICT (wallet_address) DO NOTHING`,
		addresses); err != nil {
		return nil, fmt.Errorf("insert addresses: %w", err)
	}

	// Resolve ids inside the same transaction so concurrent deletes
	// cannot open a gap between insert and lookup.
	rows, err := tx.Query(ctx, `
		SELECT id FROM address WHERE wallet_address = ANY($1)`,
		addresses)
	if err != nil {
		return nil, fmt.Errorf("resolve address ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan address ids: %w", err)
	}
	if len(ids) != len(addresses) {
		return nil, fmt.Errorf("resolved %d ids for %d addresses", len(ids), len(addresses))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func (s *Store) insertMemberships(ctx context.Context, ids []int64, chainRowID int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO address_chain (wallet_address_id, chain_id, created_at)
		SELECT t.id, $2, now()
		FROM unnest($1::bigint[]) AS t(id)
		ON CONFLICT (wallet_address_id, chain_id) DO NOTHING`,
		ids, chainRowID)
	return err
}

// AdvanceHighWaterMark moves the chain cursor to nextBlock.
func (s *Store) AdvanceHighWaterMark(ctx context.Context, chainRowID int64, nextBlock uint64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE chain_info SET next_block_number = $2, updated_at = now() WHERE id = $1`,
		chainRowID, nextBlock)
	if err != nil {
		return fmt.Errorf("advance high-water mark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance high-water mark: chain row %d missing", chainRowID)
	}
	s.log.Debug("Advanced high-water mark", "chainRowId", chainRowID, "nextBlock", nextBlock)
	return nil
}

// InsertFailureLog records one failed block fetch for the audit trail.
func (s *Store) InsertFailureLog(ctx context.Context, entry *batch.FailureEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_call_failure_log (chain_id, block_number, status_code, error_message, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		entry.ChainID, entry.BlockNumber, entry.StatusCode, entry.Message)
	if err != nil {
		return fmt.Errorf("insert failure log: %w", err)
	}
	return nil
}
