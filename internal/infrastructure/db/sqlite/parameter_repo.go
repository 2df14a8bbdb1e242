package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/infrastructure/db/sqlite/sqlc/queries"
)

const blockHeightParameter = "block_height"

type parameterRepository struct {
	db      *sql.DB
	querier *queries.Queries
}

func NewParameterRepository(config ...interface{}) (domain.ParameterRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open parameter repository: invalid config")
	}

	return &parameterRepository{
		db:      db,
		querier: queries.New(db),
	}, nil
}

func (r *parameterRepository) Close() {
	_ = r.db.Close()
}

func (r *parameterRepository) GetBlockHeight(ctx context.Context) (uint64, bool, error) {
	value, err := r.querier.SelectParameter(ctx, blockHeightParameter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get block height: %w", err)
	}

	height, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid stored block height %s: %w", value, err)
	}
	return height, true, nil
}

func (r *parameterRepository) SetBlockHeight(ctx context.Context, height uint64) error {
	if err := r.querier.UpsertParameter(ctx, queries.UpsertParameterParams{
		Name:  blockHeightParameter,
		Value: strconv.FormatUint(height, 10),
	}); err != nil {
		return fmt.Errorf("failed to set block height: %w", err)
	}
	return nil
}
