package ports

import (
	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/vulpemventures/go-elements/transaction"
)

type ClaimInput struct {
	Covenant domain.Covenant
	// Prevout is the funding output, mandatory for confidential covenants.
	Prevout *transaction.TxOutput
}

type TxBuilder interface {
	// CanBatch tells whether the covenant can be claimed together with others
	// in a single transaction.
	CanBatch(covenant domain.Covenant) bool
	// BuildClaimTx returns the signed claim transaction spending the funding
	// outputs of the given covenants.
	BuildClaimTx(inputs []ClaimInput) (txid, txHex string, err error)
}

// Unblinder reveals value and asset of a confidential output.
type Unblinder interface {
	Unblind(output *transaction.TxOutput, blindingKey []byte) (*UnblindedOutput, error)
}

type UnblindedOutput struct {
	Value uint64
	Asset string
}
