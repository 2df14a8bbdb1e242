package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/go-elements/transaction"
)

// claimer turns due covenants into broadcast claim transactions.
type claimer struct {
	repo          domain.CovenantRepository
	chain         ports.ChainBackend
	builder       ports.TxBuilder
	broadcaster   *broadcaster
	storage       *storageGuard
	events        ports.EventPublisher
	notifier      ports.Notifier
	notifyProfile string
	metrics       ports.Metrics
	maxBatchSize  int

	// sweeps and instant claims may overlap
	lock sync.Mutex
}

func (c *claimer) claim(ctx context.Context, covenants []domain.Covenant) {
	if len(covenants) <= 0 {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	covenants = c.stillDetected(ctx, covenants)
	inputs := c.claimInputs(ctx, covenants)
	if len(inputs) <= 0 {
		return
	}

	log.Debugf("claiming %d covenants", len(inputs))

	batch := make([]ports.ClaimInput, 0, len(inputs))
	for _, in := range inputs {
		if !c.builder.CanBatch(in.Covenant) {
			c.claimGroup(ctx, []ports.ClaimInput{in})
			continue
		}
		batch = append(batch, in)
		if len(batch) >= c.maxBatchSize {
			c.claimGroup(ctx, batch)
			batch = make([]ports.ClaimInput, 0, len(inputs))
		}
	}
	if len(batch) > 0 {
		c.claimGroup(ctx, batch)
	}
}

// stillDetected drops the covenants claimed or failed by a concurrent claim
// since they were selected.
func (c *claimer) stillDetected(
	ctx context.Context, covenants []domain.Covenant,
) []domain.Covenant {
	due := make([]domain.Covenant, 0, len(covenants))
	for _, covenant := range covenants {
		var current *domain.Covenant
		if err := c.storage.do(ctx, func() (err error) {
			current, err = c.repo.Get(ctx, covenant.OutputScript)
			return
		}); err != nil {
			log.WithError(err).Warnf("failed to get covenant %s", covenant.Key())
			continue
		}
		if current.Status != domain.CovenantDetected {
			continue
		}
		due = append(due, *current)
	}
	return due
}

// claimInputs resolves the funding outputs of the given covenants. Explicit
// ones are rebuilt by the builder from the stored values, confidential ones
// need the commitments of the funding tx.
func (c *claimer) claimInputs(
	ctx context.Context, covenants []domain.Covenant,
) []ports.ClaimInput {
	inputs := make([]ports.ClaimInput, len(covenants))
	ok := make([]bool, len(covenants))

	wg := sync.WaitGroup{}
	for i, covenant := range covenants {
		inputs[i] = ports.ClaimInput{Covenant: covenant}
		if !covenant.IsConfidential() {
			ok[i] = true
			continue
		}

		wg.Add(1)
		go func(i int, covenant domain.Covenant) {
			defer wg.Done()

			prevout, err := c.fundingOutput(ctx, covenant)
			if err != nil {
				log.WithError(err).Warnf(
					"failed to fetch funding output of covenant %s", covenant.Key(),
				)
				return
			}
			inputs[i].Prevout = prevout
			ok[i] = true
		}(i, covenant)
	}
	wg.Wait()

	resolved := make([]ports.ClaimInput, 0, len(inputs))
	for i, in := range inputs {
		if ok[i] {
			resolved = append(resolved, in)
		}
	}
	return resolved
}

func (c *claimer) fundingOutput(
	ctx context.Context, covenant domain.Covenant,
) (*transaction.TxOutput, error) {
	tx, err := c.chain.GetTransaction(ctx, covenant.TxId)
	if err != nil {
		return nil, err
	}
	if int(covenant.Vout) >= len(tx.Outputs) {
		return nil, fmt.Errorf("funding tx %s has no output %d", covenant.TxId, covenant.Vout)
	}
	return tx.Outputs[covenant.Vout], nil
}

// claimGroup builds and broadcasts one tx spending all the given inputs. A
// rejected or invalid batch is split into one tx per covenant so that only
// the covenants that can't be claimed are marked as failed.
func (c *claimer) claimGroup(ctx context.Context, inputs []ports.ClaimInput) {
	txid, txHex, err := c.builder.BuildClaimTx(inputs)
	if err != nil {
		if len(inputs) > 1 {
			log.WithError(err).Warnf(
				"failed to build batch claim of %d covenants, claiming one by one", len(inputs),
			)
			c.claimOneByOne(ctx, inputs)
			return
		}
		log.WithError(err).Errorf(
			"failed to build claim tx for covenant %s", inputs[0].Covenant.Key(),
		)
		return
	}

	log.Debugf("broadcasting claim tx %s", txid)

	broadcastTxid, err := c.broadcaster.broadcast(ctx, txHex)
	if err != nil {
		if !ports.IsTxRejected(err) {
			log.WithError(err).Warnf(
				"failed to broadcast claim tx %s, will retry on next sweep", txid,
			)
			return
		}
		if len(inputs) > 1 {
			log.WithError(err).Warnf("batch claim tx %s rejected, claiming one by one", txid)
			c.claimOneByOne(ctx, inputs)
			return
		}
		c.markFailed(ctx, inputs[0].Covenant, err)
		return
	}
	if broadcastTxid != "" {
		txid = broadcastTxid
	}

	c.markClaimed(ctx, inputs, txid)
}

func (c *claimer) claimOneByOne(ctx context.Context, inputs []ports.ClaimInput) {
	for _, in := range inputs {
		c.claimGroup(ctx, []ports.ClaimInput{in})
	}
}

func (c *claimer) markClaimed(ctx context.Context, inputs []ports.ClaimInput, txid string) {
	scripts := make([][]byte, 0, len(inputs))
	for _, in := range inputs {
		scripts = append(scripts, in.Covenant.OutputScript)
	}

	if err := c.storage.do(ctx, func() error {
		return c.repo.MarkClaimed(ctx, scripts, txid)
	}); err != nil {
		log.WithError(err).Errorf("failed to mark covenants claimed by tx %s", txid)
		return
	}
	c.metrics.CovenantsClaimed(len(inputs))

	claimTime := time.Now()
	for _, in := range inputs {
		log.WithField("covenant", in.Covenant.Key()).
			WithField("swap", in.Covenant.SwapId).
			Infof("claimed covenant in tx %s", txid)

		c.publish(ctx, ports.ClaimEvent{
			MessageId:   uuid.New().String(),
			SwapId:      in.Covenant.SwapId,
			ClaimTxId:   txid,
			ClaimTxTime: claimTime,
		})
	}
}

func (c *claimer) markFailed(ctx context.Context, covenant domain.Covenant, reason error) {
	var updated bool
	if err := c.storage.do(ctx, func() (err error) {
		updated, err = c.repo.MarkFailed(ctx, covenant.OutputScript, reason.Error())
		return
	}); err != nil {
		log.WithError(err).Errorf("failed to mark covenant %s failed", covenant.Key())
		return
	}
	if !updated {
		return
	}
	c.metrics.CovenantsFailed(1)

	log.WithError(reason).WithField("covenant", covenant.Key()).
		WithField("swap", covenant.SwapId).
		Error("covenant claim rejected, giving up")

	c.notify(ctx, fmt.Sprintf(
		"claim of covenant %s (swap %s) failed: %s", covenant.Key(), covenant.SwapId, reason,
	))
}

// publish hands the claim event to the events bus, whose subscribers take
// care of notifying it. Without a bus the claim is notified right away.
func (c *claimer) publish(ctx context.Context, event ports.ClaimEvent) {
	if c.events == nil {
		c.notifyClaim(ctx, event)
		return
	}
	if err := c.events.PublishClaim(ctx, event); err != nil {
		log.WithError(err).Warnf("failed to publish claim event for swap %s", event.SwapId)
	}
}

func (c *claimer) notifyClaim(ctx context.Context, event ports.ClaimEvent) {
	c.notify(ctx, fmt.Sprintf(
		"claimed swap %s in tx %s at %s",
		event.SwapId, event.ClaimTxId, event.ClaimTxTime.UTC().Format(time.RFC3339),
	))
}

func (c *claimer) notify(ctx context.Context, message string) {
	if c.notifier == nil || c.notifyProfile == "" {
		return
	}
	go func() {
		if err := c.notifier.Notify(ctx, c.notifyProfile, message); err != nil {
			log.WithError(err).Warn("failed to send nostr notification")
		}
	}()
}
