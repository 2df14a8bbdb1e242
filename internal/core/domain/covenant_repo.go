package domain

import (
	"context"
	"time"
)

// CovenantRepository persists covenants. Status changes are compare-and-swap
// updates on the current status: the bool results report whether the row was
// actually moved.
type CovenantRepository interface {
	Add(ctx context.Context, covenant Covenant) error
	Get(ctx context.Context, outputScript []byte) (*Covenant, error)
	GetPendingByScripts(ctx context.Context, outputScripts [][]byte) ([]Covenant, error)
	GetSweepable(ctx context.Context, detectedBefore time.Time) ([]Covenant, error)
	MarkDetected(ctx context.Context, outputScript []byte, detection Detection) (bool, error)
	MarkClaimed(ctx context.Context, outputScripts [][]byte, claimTxId string) error
	MarkFailed(ctx context.Context, outputScript []byte, reason string) (bool, error)
	CountByStatus(ctx context.Context) (map[CovenantStatus]int, error)
	Close()
}

type ParameterRepository interface {
	GetBlockHeight(ctx context.Context) (uint64, bool, error)
	SetBlockHeight(ctx context.Context, height uint64) error
	Close()
}
