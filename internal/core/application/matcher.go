package application

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/go-elements/transaction"
)

// matcher looks for registered covenants among the outputs of observed
// transactions and moves the funded ones to detected.
type matcher struct {
	repo      domain.CovenantRepository
	unblinder ports.Unblinder
	metrics   ports.Metrics
	storage   *storageGuard
	asset     string
	workers   int
}

func newMatcher(
	repo domain.CovenantRepository, unblinder ports.Unblinder, metrics ports.Metrics,
	storage *storageGuard, asset string, workers int,
) *matcher {
	if workers <= 0 {
		workers = 1
	}
	return &matcher{repo, unblinder, metrics, storage, asset, workers}
}

// run matches the transactions of the feed on a pool of workers until the feed
// is closed or the context is done. Detected covenants are passed to onDetected.
func (m *matcher) run(
	ctx context.Context, txs <-chan *transaction.Transaction,
	onDetected func([]domain.Covenant),
) {
	wg := sync.WaitGroup{}
	wg.Add(m.workers)
	for i := 0; i < m.workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tx, ok := <-txs:
					if !ok {
						return
					}
					detected, err := m.matchTransaction(ctx, tx)
					if err != nil {
						log.WithError(err).Warnf(
							"failed to match outputs of tx %s", tx.TxHash().String(),
						)
					}
					if len(detected) > 0 && onDetected != nil {
						onDetected(detected)
					}
				}
			}
		}()
	}
	wg.Wait()
}

// matchBlock matches the transactions of a block in parallel and returns once
// all of them are processed. The error is the first storage failure, if any,
// in which case the block must be processed again.
func (m *matcher) matchBlock(
	ctx context.Context, txs []*transaction.Transaction,
) ([]domain.Covenant, error) {
	var (
		mu       sync.Mutex
		detected []domain.Covenant
		firstErr error
	)

	sem := make(chan struct{}, m.workers)
	wg := sync.WaitGroup{}
	for _, tx := range txs {
		sem <- struct{}{}
		wg.Add(1)
		go func(tx *transaction.Transaction) {
			defer func() {
				<-sem
				wg.Done()
			}()

			covenants, err := m.matchTransaction(ctx, tx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			detected = append(detected, covenants...)
		}(tx)
	}
	wg.Wait()

	return detected, firstErr
}

func (m *matcher) matchTransaction(
	ctx context.Context, tx *transaction.Transaction,
) ([]domain.Covenant, error) {
	scripts := make([][]byte, 0, len(tx.Outputs))
	for _, out := range tx.Outputs {
		// fee outputs
		if len(out.Script) <= 0 {
			continue
		}
		scripts = append(scripts, out.Script)
	}
	if len(scripts) <= 0 {
		return nil, nil
	}

	var pending []domain.Covenant
	if err := m.storage.do(ctx, func() (err error) {
		pending, err = m.repo.GetPendingByScripts(ctx, scripts)
		return
	}); err != nil {
		return nil, err
	}
	if len(pending) <= 0 {
		return nil, nil
	}

	covenantsByScript := make(map[string]domain.Covenant)
	for _, c := range pending {
		covenantsByScript[c.Key()] = c
	}

	txid := tx.TxHash().String()
	detected := make([]domain.Covenant, 0, len(pending))

	for vout, out := range tx.Outputs {
		covenant, ok := covenantsByScript[hex.EncodeToString(out.Script)]
		if !ok {
			continue
		}
		logger := log.WithField("covenant", covenant.Key()).
			WithField("outpoint", txid).WithField("vout", vout)

		unblinded, err := m.unblinder.Unblind(out, covenant.BlindingKey)
		if err != nil {
			logger.WithError(err).Warn("ignoring covenant output that can't be unblinded")
			continue
		}
		if unblinded.Asset != m.asset {
			logger.Warnf("ignoring covenant output of unexpected asset %s", unblinded.Asset)
			continue
		}

		detection := domain.Detection{
			TxId:   txid,
			Vout:   uint32(vout),
			TxTime: time.Now(),
			Amount: unblinded.Value,
			Asset:  unblinded.Asset,
		}

		var updated bool
		if err := m.storage.do(ctx, func() (err error) {
			updated, err = m.repo.MarkDetected(ctx, covenant.OutputScript, detection)
			return
		}); err != nil {
			return detected, err
		}
		// already detected by a previous observation
		if !updated {
			continue
		}

		if err := covenant.Detect(detection); err != nil {
			return detected, err
		}
		delete(covenantsByScript, covenant.Key())
		m.metrics.CovenantDetected()

		logger.WithField("amount", detection.Amount).Info("found funded covenant")
		detected = append(detected, covenant)
	}

	return detected, nil
}
