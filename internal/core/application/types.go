package application

import (
	"context"

	"github.com/ark-network/covclaim/internal/core/domain"
)

type Service interface {
	Start() error
	Stop()
	RegisterCovenant(ctx context.Context, req CovenantRequest) (*domain.Covenant, error)
	GetCovenant(ctx context.Context, outputScript []byte) (*domain.Covenant, error)
	GetInfo(ctx context.Context) (*ServiceInfo, error)
}

// CovenantRequest carries a covenant registration. Keys and preimage are
// already hex decoded, InternalKey takes precedence over the claim and
// refund keys.
type CovenantRequest struct {
	InternalKey     []byte
	ClaimPublicKey  []byte
	RefundPublicKey []byte
	Preimage        []byte
	BlindingKey     []byte
	Address         string
	SwapTree        string
	SwapId          string
}

type ServiceInfo struct {
	Backend     string
	BlockHeight uint64
	Covenants   map[domain.CovenantStatus]int
	Degraded    bool
}

const (
	RelayPolicyAlso    = "also"
	RelayPolicyInstead = "instead"
)

type ServiceConfig struct {
	// SweepTime is the delay in seconds between detection and claim.
	SweepTime int64
	// SweepInterval is the period in seconds of the sweep task. Zero means
	// covenants are claimed as soon as they are detected.
	SweepInterval       int64
	MaxBatchSize        int
	BroadcastMaxRetries uint64
	RescanConcurrency   int
	MatcherWorkers      int
	DbMaxRetries        uint64
	RelayPolicy         string
	// NotifyProfile is the nostr profile alerted on claims and failures.
	NotifyProfile string
}
