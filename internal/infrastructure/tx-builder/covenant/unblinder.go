package txbuilder

import (
	"fmt"

	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/vulpemventures/go-elements/confidential"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/transaction"
)

type unblinder struct{}

func NewUnblinder() ports.Unblinder {
	return unblinder{}
}

// Unblind reveals value and asset of the given output. Explicit outputs are
// read as they are, confidential ones require the covenant blinding key.
func (unblinder) Unblind(
	output *transaction.TxOutput, blindingKey []byte,
) (*ports.UnblindedOutput, error) {
	if output == nil {
		return nil, fmt.Errorf("missing output")
	}

	if !output.IsConfidential() {
		value, err := elementsutil.ValueFromBytes(output.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid output value: %s", err)
		}
		return &ports.UnblindedOutput{
			Value: value,
			Asset: elementsutil.AssetHashFromBytes(output.Asset),
		}, nil
	}

	if len(blindingKey) <= 0 {
		return nil, fmt.Errorf("missing blinding key for confidential output")
	}

	res, err := confidential.UnblindOutputWithKey(output, blindingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unblind output: %s", err)
	}
	return &ports.UnblindedOutput{
		Value: res.Value,
		Asset: elementsutil.TxIDFromBytes(res.Asset),
	}, nil
}
