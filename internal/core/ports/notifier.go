package ports

import (
	"context"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, to any, message string) error
}

// ClaimEvent is emitted for every broadcast claim transaction.
type ClaimEvent struct {
	MessageId   string    `json:"message_id"`
	SwapId      string    `json:"swap_id"`
	ClaimTxId   string    `json:"claim_tx_id"`
	ClaimTxTime time.Time `json:"claim_tx_time"`
}

type EventPublisher interface {
	PublishClaim(ctx context.Context, event ClaimEvent) error
	SubscribeClaims(ctx context.Context, handler func(ClaimEvent)) error
	Close() error
}

type Metrics interface {
	CovenantRegistered()
	CovenantDetected()
	CovenantsClaimed(count int)
	CovenantsFailed(count int)
	BroadcastRetried()
	BlockProcessed(height uint64)
}
