package application

import (
	"context"
	"time"

	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// broadcaster submits claim transactions to the chain backend and, if
// configured, to the relay.
type broadcaster struct {
	chain      ports.ChainBackend
	relay      ports.TxRelay
	policy     string
	maxRetries uint64
	metrics    ports.Metrics
}

func newBroadcaster(
	chain ports.ChainBackend, relay ports.TxRelay, policy string,
	maxRetries uint64, metrics ports.Metrics,
) *broadcaster {
	if policy == "" {
		policy = RelayPolicyInstead
	}
	return &broadcaster{chain, relay, policy, maxRetries, metrics}
}

// broadcast returns a *ports.TxRejectedError if the tx was refused, any other
// error means the outcome is unknown and the claim can be attempted again.
func (b *broadcaster) broadcast(ctx context.Context, txHex string) (string, error) {
	if b.relay == nil {
		return b.submit(ctx, "chain", b.chain.Broadcast, txHex)
	}

	if b.policy == RelayPolicyInstead {
		return b.submit(ctx, "relay", b.relay.Broadcast, txHex)
	}

	txid, err := b.submit(ctx, "chain", b.chain.Broadcast, txHex)
	if err != nil {
		return "", err
	}
	if _, err := b.submit(ctx, "relay", b.relay.Broadcast, txHex); err != nil {
		log.WithError(err).Warnf("failed to relay claim tx %s", txid)
	}
	return txid, nil
}

func (b *broadcaster) submit(
	ctx context.Context, target string,
	send func(context.Context, string) (string, error), txHex string,
) (string, error) {
	var txid string

	retryable := backoff.NewExponentialBackOff()
	retryable.InitialInterval = time.Second
	retryable.MaxInterval = 30 * time.Second

	err := backoff.RetryNotify(
		func() (err error) {
			txid, err = send(ctx, txHex)
			if ports.IsTxRejected(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(retryable, b.maxRetries), ctx),
		func(err error, next time.Duration) {
			b.metrics.BroadcastRetried()
			log.WithError(err).Debugf("%s broadcast failed, retrying in %s", target, next)
		},
	)
	return txid, err
}
