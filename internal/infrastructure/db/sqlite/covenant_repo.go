package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/infrastructure/db/sqlite/sqlc/queries"
)

type covenantRepository struct {
	db      *sql.DB
	querier *queries.Queries
}

func NewCovenantRepository(config ...interface{}) (domain.CovenantRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open covenant repository: invalid config")
	}

	return &covenantRepository{
		db:      db,
		querier: queries.New(db),
	}, nil
}

func (r *covenantRepository) Close() {
	_ = r.db.Close()
}

func (r *covenantRepository) Add(ctx context.Context, covenant domain.Covenant) error {
	inserted, err := r.querier.InsertCovenant(ctx, queries.InsertCovenantParams{
		OutputScript:   covenant.OutputScript,
		Status:         int64(domain.CovenantPending),
		InternalKey:    covenant.InternalKey,
		Preimage:       covenant.Preimage,
		SwapTree:       covenant.SwapTree,
		Address:        covenant.Address,
		BlindingKey:    covenant.BlindingKey,
		ClaimPublicKey: covenant.ClaimPubKey,
		CreatedAt:      covenant.CreatedAt.Unix(),
		SwapID:         covenant.SwapId,
	})
	if err != nil {
		return fmt.Errorf("failed to insert covenant: %w", err)
	}
	if inserted <= 0 {
		return domain.ErrCovenantExists
	}
	return nil
}

func (r *covenantRepository) Get(
	ctx context.Context, outputScript []byte,
) (*domain.Covenant, error) {
	row, err := r.querier.SelectCovenant(ctx, outputScript)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCovenantNotFound
		}
		return nil, fmt.Errorf("failed to get covenant: %w", err)
	}
	covenant := toCovenant(row)
	return &covenant, nil
}

func (r *covenantRepository) GetPendingByScripts(
	ctx context.Context, outputScripts [][]byte,
) ([]domain.Covenant, error) {
	covenants := make([]domain.Covenant, 0)
	for _, script := range outputScripts {
		row, err := r.querier.SelectCovenantWithStatus(
			ctx, queries.SelectCovenantWithStatusParams{
				OutputScript: script,
				Status:       int64(domain.CovenantPending),
			},
		)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("failed to get pending covenant: %w", err)
		}
		covenants = append(covenants, toCovenant(row))
	}
	return covenants, nil
}

func (r *covenantRepository) GetSweepable(
	ctx context.Context, detectedBefore time.Time,
) ([]domain.Covenant, error) {
	rows, err := r.querier.SelectCovenantsDetectedBefore(
		ctx, queries.SelectCovenantsDetectedBeforeParams{
			Status: int64(domain.CovenantDetected),
			TxTime: detectedBefore.UnixMilli(),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get sweepable covenants: %w", err)
	}

	covenants := make([]domain.Covenant, 0, len(rows))
	for _, row := range rows {
		covenants = append(covenants, toCovenant(row))
	}
	return covenants, nil
}

func (r *covenantRepository) MarkDetected(
	ctx context.Context, outputScript []byte, detection domain.Detection,
) (bool, error) {
	updated, err := r.querier.UpdateCovenantDetected(
		ctx, queries.UpdateCovenantDetectedParams{
			TxID:         detection.TxId,
			Vout:         int64(detection.Vout),
			TxTime:       detection.TxTime.UnixMilli(),
			Amount:       int64(detection.Amount),
			Asset:        detection.Asset,
			OutputScript: outputScript,
		},
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark covenant as detected: %w", err)
	}
	return updated > 0, nil
}

func (r *covenantRepository) MarkClaimed(
	ctx context.Context, outputScripts [][]byte, claimTxId string,
) error {
	txBody := func(querierWithTx *queries.Queries) error {
		for _, script := range outputScripts {
			if _, err := querierWithTx.UpdateCovenantClaimed(
				ctx, queries.UpdateCovenantClaimedParams{
					ClaimTxID:    claimTxId,
					OutputScript: script,
				},
			); err != nil {
				return err
			}
		}
		return nil
	}

	return execTx(ctx, r.db, txBody)
}

func (r *covenantRepository) MarkFailed(
	ctx context.Context, outputScript []byte, reason string,
) (bool, error) {
	updated, err := r.querier.UpdateCovenantFailed(
		ctx, queries.UpdateCovenantFailedParams{
			FailReason:   reason,
			OutputScript: outputScript,
		},
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark covenant as failed: %w", err)
	}
	return updated > 0, nil
}

func (r *covenantRepository) CountByStatus(
	ctx context.Context,
) (map[domain.CovenantStatus]int, error) {
	rows, err := r.querier.CountCovenantsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count covenants: %w", err)
	}

	count := make(map[domain.CovenantStatus]int)
	for _, row := range rows {
		count[domain.CovenantStatus(row.Status)] = int(row.Count)
	}
	return count, nil
}
