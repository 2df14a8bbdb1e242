package domain

import (
	"encoding/hex"
	"fmt"
	"time"
)

const (
	CovenantPending CovenantStatus = iota
	CovenantDetected
	CovenantClaimed
	CovenantFailed
)

type CovenantStatus int

func (s CovenantStatus) String() string {
	switch s {
	case CovenantPending:
		return "PENDING"
	case CovenantDetected:
		return "DETECTED"
	case CovenantClaimed:
		return "CLAIMED"
	case CovenantFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s CovenantStatus) IsValid() bool {
	return s >= CovenantPending && s <= CovenantFailed
}

func (s CovenantStatus) IsFinal() bool {
	return s == CovenantClaimed || s == CovenantFailed
}

var transitions = map[CovenantStatus]CovenantStatus{
	CovenantPending:  CovenantDetected,
	CovenantDetected: CovenantClaimed,
}

// CanTransitionTo tells whether moving from s to next is a legal step of the
// covenant lifecycle. Statuses only move forward and final ones never change.
func (s CovenantStatus) CanTransitionTo(next CovenantStatus) bool {
	if s == CovenantDetected && next == CovenantFailed {
		return true
	}
	allowed, ok := transitions[s]
	return ok && allowed == next
}

// Covenant is a registered swap output the daemon claims once funded.
type Covenant struct {
	OutputScript []byte
	InternalKey  []byte
	Preimage     []byte
	SwapTree     string
	Address      []byte
	BlindingKey  []byte
	ClaimPubKey  []byte
	SwapId       string
	Status       CovenantStatus
	CreatedAt    time.Time

	// set when the funding output is detected
	TxId   string
	Vout   uint32
	TxTime time.Time
	Amount uint64
	Asset  string

	ClaimTxId  string
	FailReason string
}

func NewCovenant(
	outputScript, internalKey, preimage []byte, swapTree string, address []byte,
) (*Covenant, error) {
	if len(outputScript) <= 0 {
		return nil, fmt.Errorf("missing output script")
	}
	if len(internalKey) != 32 {
		return nil, fmt.Errorf("invalid internal key length %d", len(internalKey))
	}
	if len(preimage) <= 0 {
		return nil, fmt.Errorf("missing preimage")
	}
	if len(swapTree) <= 0 {
		return nil, fmt.Errorf("missing swap tree")
	}
	if len(address) <= 0 {
		return nil, fmt.Errorf("missing address")
	}
	return &Covenant{
		OutputScript: outputScript,
		InternalKey:  internalKey,
		Preimage:     preimage,
		SwapTree:     swapTree,
		Address:      address,
		Status:       CovenantPending,
		CreatedAt:    time.Now(),
	}, nil
}

func (c Covenant) Key() string {
	return hex.EncodeToString(c.OutputScript)
}

func (c Covenant) IsConfidential() bool {
	return len(c.BlindingKey) > 0
}

// IsSweepable tells whether the covenant waited long enough after detection.
func (c Covenant) IsSweepable(now time.Time, sweepDelay time.Duration) bool {
	if c.Status != CovenantDetected {
		return false
	}
	return !c.TxTime.Add(sweepDelay).After(now)
}

// Detect applies the funding detection to the covenant.
func (c *Covenant) Detect(d Detection) error {
	if !c.Status.CanTransitionTo(CovenantDetected) {
		return ErrInvalidTransition{c.Status, CovenantDetected}
	}
	c.TxId = d.TxId
	c.Vout = d.Vout
	c.TxTime = d.TxTime
	c.Amount = d.Amount
	c.Asset = d.Asset
	c.Status = CovenantDetected
	return nil
}

func (c *Covenant) Claim(claimTxId string) error {
	if !c.Status.CanTransitionTo(CovenantClaimed) {
		return ErrInvalidTransition{c.Status, CovenantClaimed}
	}
	c.ClaimTxId = claimTxId
	c.Status = CovenantClaimed
	return nil
}

func (c *Covenant) Fail(reason string) error {
	if !c.Status.CanTransitionTo(CovenantFailed) {
		return ErrInvalidTransition{c.Status, CovenantFailed}
	}
	c.FailReason = reason
	c.Status = CovenantFailed
	return nil
}

// Detection is the funding output found for a pending covenant.
type Detection struct {
	TxId   string
	Vout   uint32
	TxTime time.Time
	Amount uint64
	Asset  string
}
