package txbuilder

import (
	"math"

	"github.com/btcsuite/btcd/wire"
)

// serialized sizes of the elements tx components, in bytes
const (
	txOverheadSize = 4 + 1 + 4 // version, flag, locktime
	inputBaseSize  = 32 + 4 + 1 + 4
	// asset + value + empty nonce + script length
	explicitOutputBaseSize = 33 + 9 + 1 + 1
	// asset commitment + value commitment + nonce + script length
	confidentialOutputBaseSize = 33 + 33 + 33 + 1
	// issuance and inflation rangeproofs, script witness count, pegin witness
	inputWitnessOverhead = 1 + 1 + 1 + 1
	// empty surjection proof and rangeproof
	explicitOutputWitnessSize = 1 + 1
	// surjection proof and rangeproof of a blinded output
	confidentialOutputWitnessSize = 3 + 67 + 3 + 4174

	schnorrSigSize     = 64
	witnessScaleFactor = 4
)

// estimateFee returns the fee for a claim tx spending the given inputs through
// the signed claim leaf into numOutputs outputs. One of them is the blinded
// OP_RETURN if withBlindedOutput is set. The fee output is always explicit.
func estimateFee(
	inputs []claimInput, numOutputs int, withBlindedOutput bool, feeRate float64,
) uint64 {
	baseSize := txOverheadSize +
		wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(numOutputs)) +
		len(inputs)*inputBaseSize
	witnessSize := 0

	for _, in := range inputs {
		items := [][]byte{
			make([]byte, schnorrSigSize),
			in.covenant.Preimage,
			in.leaf.Script,
			make([]byte, in.controlBlockSize()),
		}
		witnessSize += inputWitnessOverhead
		for _, item := range items {
			witnessSize += wire.VarIntSerializeSize(uint64(len(item))) + len(item)
		}

		baseSize += explicitOutputBaseSize + len(in.covenant.Address)
		witnessSize += explicitOutputWitnessSize
	}

	if withBlindedOutput {
		baseSize += confidentialOutputBaseSize + 1
		witnessSize += confidentialOutputWitnessSize
	}

	// fee output
	baseSize += explicitOutputBaseSize
	witnessSize += explicitOutputWitnessSize

	weight := baseSize*witnessScaleFactor + witnessSize
	vsize := (weight + witnessScaleFactor - 1) / witnessScaleFactor

	return uint64(math.Ceil(float64(vsize) * feeRate))
}

func (c claimInput) controlBlockSize() int {
	return 1 + 32 + len(c.controlBlock.InclusionProof)
}
