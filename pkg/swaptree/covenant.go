package swaptree

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// positions of the pushes inside the covenant claim leaf, counted in non push
// opcodes seen before them
const (
	preimageHashPosition   = 3
	expectedOutputPosition = 6
	expectedAmountPosition = 13
)

// CovenantDetails are the conditions the covenant claim leaf enforces on the
// spending transaction.
type CovenantDetails struct {
	PreimageHash   []byte
	ExpectedOutput []byte
	ExpectedAmount uint64
}

func (t SwapTree) CovenantDetails() (*CovenantDetails, error) {
	script, err := t.CovenantClaimLeaf.Script()
	if err != nil {
		return nil, err
	}

	details := &CovenantDetails{}
	position := 0

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		opcode := tokenizer.Opcode()

		if opcode <= txscript.OP_PUSHDATA4 {
			data := tokenizer.Data()
			switch position {
			case preimageHashPosition:
				details.PreimageHash = data
			case expectedOutputPosition:
				details.ExpectedOutput = data
			case expectedAmountPosition:
				if len(data) != 8 {
					return nil, fmt.Errorf("could not parse covenant output amount")
				}
				details.ExpectedAmount = binary.LittleEndian.Uint64(data)
			}
			continue
		}

		// the version of non segwit outputs is pushed as -1, skip it to keep
		// the same positions for every output type
		if opcode != txscript.OP_1NEGATE {
			position++
		}
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate over covenant claim script: %s", err)
	}

	if len(details.PreimageHash) != 20 {
		return nil, fmt.Errorf("covenant claim leaf has no preimage hash")
	}
	if len(details.ExpectedOutput) <= 0 {
		return nil, fmt.Errorf("covenant claim leaf has no expected output")
	}
	if details.ExpectedAmount == 0 {
		return nil, fmt.Errorf("covenant claim leaf has no expected amount")
	}

	return details, nil
}
