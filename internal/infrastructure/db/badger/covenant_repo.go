package badgerdb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const covenantStoreDir = "covenants"

type covenantRepository struct {
	store *badgerhold.Store
}

func NewCovenantRepository(config ...interface{}) (domain.CovenantRepository, error) {
	store, err := openStore(covenantStoreDir, config...)
	if err != nil {
		return nil, fmt.Errorf("failed to open covenant store: %s", err)
	}
	return &covenantRepository{store}, nil
}

func (r *covenantRepository) Add(ctx context.Context, covenant domain.Covenant) error {
	covenant.Status = domain.CovenantPending
	// second precision, the same the sql store keeps
	covenant.CreatedAt = time.Unix(covenant.CreatedAt.Unix(), 0)

	insertFn := func() error {
		return r.store.Insert(covenant.Key(), covenant)
	}
	err := insertFn()
	for attempts := 1; errors.Is(err, badger.ErrConflict) && attempts <= maxRetries; attempts++ {
		time.Sleep(100 * time.Millisecond)
		err = insertFn()
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return domain.ErrCovenantExists
		}
		return err
	}
	return nil
}

func (r *covenantRepository) Get(
	_ context.Context, outputScript []byte,
) (*domain.Covenant, error) {
	var covenant domain.Covenant
	if err := r.store.Get(hex.EncodeToString(outputScript), &covenant); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrCovenantNotFound
		}
		return nil, err
	}
	return &covenant, nil
}

func (r *covenantRepository) GetPendingByScripts(
	ctx context.Context, outputScripts [][]byte,
) ([]domain.Covenant, error) {
	covenants := make([]domain.Covenant, 0)
	for _, script := range outputScripts {
		covenant, err := r.Get(ctx, script)
		if err != nil {
			if errors.Is(err, domain.ErrCovenantNotFound) {
				continue
			}
			return nil, err
		}
		if covenant.Status == domain.CovenantPending {
			covenants = append(covenants, *covenant)
		}
	}
	return covenants, nil
}

func (r *covenantRepository) GetSweepable(
	_ context.Context, detectedBefore time.Time,
) ([]domain.Covenant, error) {
	query := badgerhold.Where("Status").Eq(domain.CovenantDetected)

	var covenants []domain.Covenant
	if err := r.store.Find(&covenants, query); err != nil {
		return nil, err
	}

	// millisecond precision, the same the sql store keeps
	detectedBefore = time.UnixMilli(detectedBefore.UnixMilli())
	sweepable := make([]domain.Covenant, 0, len(covenants))
	for _, covenant := range covenants {
		if !covenant.TxTime.After(detectedBefore) {
			sweepable = append(sweepable, covenant)
		}
	}
	sort.SliceStable(sweepable, func(i, j int) bool {
		return sweepable[i].TxTime.Before(sweepable[j].TxTime)
	})
	return sweepable, nil
}

func (r *covenantRepository) MarkDetected(
	_ context.Context, outputScript []byte, detection domain.Detection,
) (bool, error) {
	detection.TxTime = time.UnixMilli(detection.TxTime.UnixMilli())
	return r.update(outputScript, func(covenant *domain.Covenant) error {
		return covenant.Detect(detection)
	})
}

// MarkClaimed updates all the covenants in a single transaction, those not
// detected are skipped.
func (r *covenantRepository) MarkClaimed(
	_ context.Context, outputScripts [][]byte, claimTxId string,
) error {
	_, err := r.updateAll(outputScripts, func(covenant *domain.Covenant) error {
		return covenant.Claim(claimTxId)
	})
	return err
}

func (r *covenantRepository) MarkFailed(
	_ context.Context, outputScript []byte, reason string,
) (bool, error) {
	return r.update(outputScript, func(covenant *domain.Covenant) error {
		return covenant.Fail(reason)
	})
}

func (r *covenantRepository) CountByStatus(
	_ context.Context,
) (map[domain.CovenantStatus]int, error) {
	count := make(map[domain.CovenantStatus]int)
	for _, status := range []domain.CovenantStatus{
		domain.CovenantPending, domain.CovenantDetected,
		domain.CovenantClaimed, domain.CovenantFailed,
	} {
		n, err := r.store.Count(
			&domain.Covenant{}, badgerhold.Where("Status").Eq(status),
		)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			count[status] = int(n)
		}
	}
	return count, nil
}

func (r *covenantRepository) Close() {
	r.store.Close()
}

// update applies the status change inside a badger transaction. An invalid
// transition leaves the record untouched and reports false.
func (r *covenantRepository) update(
	outputScript []byte, apply func(*domain.Covenant) error,
) (bool, error) {
	count, err := r.updateAll([][]byte{outputScript}, apply)
	return count > 0, err
}

// updateAll applies the status change to every covenant inside the same
// badger transaction and returns how many were updated. Missing covenants and
// invalid transitions are skipped, any other error discards all changes.
func (r *covenantRepository) updateAll(
	outputScripts [][]byte, apply func(*domain.Covenant) error,
) (int, error) {
	var err error
	for i := 0; i < maxRetries; i++ {
		count := 0
		err = func() error {
			tx := r.store.Badger().NewTransaction(true)
			defer tx.Discard()

			for _, script := range outputScripts {
				key := hex.EncodeToString(script)

				var covenant domain.Covenant
				if err := r.store.TxGet(tx, key, &covenant); err != nil {
					if errors.Is(err, badgerhold.ErrNotFound) {
						continue
					}
					return err
				}

				if err := apply(&covenant); err != nil {
					if errors.As(err, &domain.ErrInvalidTransition{}) {
						continue
					}
					return err
				}
				if err := r.store.TxUpdate(tx, key, covenant); err != nil {
					return err
				}
				count++
			}

			if count <= 0 {
				return nil
			}
			return tx.Commit()
		}()
		if err == nil {
			return count, nil
		}

		if errors.Is(err, badger.ErrConflict) {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return 0, err
	}

	return 0, err
}
