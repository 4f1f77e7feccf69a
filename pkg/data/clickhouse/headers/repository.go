// Package headers persists accepted header batches and the sync checkpoint in
// ClickHouse. This is consumer-side storage: the sync engine itself holds no
// durable state.
package headers

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/vkaxevo/headersync/pkg/checkpointer"
	"github.com/vkaxevo/headersync/pkg/clickhouse"
	"github.com/vkaxevo/headersync/pkg/spvchain"
)

// Repository stores headers and implements checkpointer.Checkpointer for the
// sync checkpoint.
type Repository interface {
	checkpointer.Checkpointer

	// InsertHeaders writes one accepted batch; heights are derived from
	// headHeight. The hash function is injected at construction.
	InsertHeaders(ctx context.Context, network string, headHeight uint32, headers [][]byte) error
}

var _ Repository = (*repository)(nil)

//go:embed queries/create-headers-table.sql
var createHeadersTableQuery string

//go:embed queries/insert-headers.sql
var insertHeadersQuery string

//go:embed queries/create-checkpoint-table.sql
var createCheckpointTableQuery string

//go:embed queries/write-checkpoint.sql
var writeCheckpointQuery string

//go:embed queries/read-checkpoint.sql
var readCheckpointQuery string

type repository struct {
	client          clickhouse.Client
	database        string
	headersTable    string
	checkpointTable string
	hashFn          spvchain.HashFunc
}

// NewRepository creates the repository and its tables.
func NewRepository(
	client clickhouse.Client,
	database, headersTable, checkpointTable string,
	hashFn spvchain.HashFunc,
) (Repository, error) {
	if hashFn == nil {
		hashFn = spvchain.DoubleSHA256
	}
	repo := &repository{
		client:          client,
		database:        database,
		headersTable:    headersTable,
		checkpointTable: checkpointTable,
		hashFn:          hashFn,
	}
	if err := repo.Initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create header tables: %w", err)
	}
	return repo, nil
}

// Initialize ensures both tables exist. Idempotent.
func (r *repository) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(createHeadersTableQuery, r.database, r.headersTable)
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create headers table: %w", err)
	}

	query = fmt.Sprintf(createCheckpointTableQuery, r.database, r.checkpointTable)
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// InsertHeaders writes the batch through a prepared batch insert.
func (r *repository) InsertHeaders(ctx context.Context, network string, headHeight uint32, headers [][]byte) error {
	if len(headers) == 0 {
		return nil
	}

	query := fmt.Sprintf(insertHeadersQuery, r.database, r.headersTable)
	batch, err := r.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare header batch: %w", err)
	}

	for i, hdr := range headers {
		row := headerRow{
			Network: network,
			Height:  headHeight + uint32(i),
			Hash:    hex.EncodeToString(r.hashFn(hdr)),
			Header:  hex.EncodeToString(hdr),
		}
		if err := batch.Append(row.Network, row.Height, row.Hash, row.Header); err != nil {
			return fmt.Errorf("failed to append header row at height %d: %w", row.Height, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert header batch: %w", err)
	}
	return nil
}

// Write persists a checkpoint for the network with the current Unix timestamp.
// Implements checkpointer.Checkpointer.
func (r *repository) Write(ctx context.Context, network string, height uint32) error {
	query := fmt.Sprintf(writeCheckpointQuery, r.database, r.checkpointTable)
	err := r.client.Conn().Exec(ctx, query, network, height, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Read retrieves the latest checkpoint for the network.
// Implements checkpointer.Checkpointer.
func (r *repository) Read(ctx context.Context, network string) (uint32, bool, error) {
	var cp checkpointRow
	query := fmt.Sprintf(readCheckpointQuery, r.database, r.checkpointTable)
	err := r.client.Conn().
		QueryRow(ctx, query, network).
		Scan(&cp.Network, &cp.Height, &cp.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return cp.Height, true, nil
}
