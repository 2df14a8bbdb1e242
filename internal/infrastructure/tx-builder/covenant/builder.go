package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/ark-network/covclaim/pkg/swaptree"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/confidential"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/taproot"
	"github.com/vulpemventures/go-elements/transaction"
)

const (
	// RBF enabled, no relative timelock
	inputSequence = uint32(0xfffffffd)
	// value of the blinded OP_RETURN output added when spending confidential
	// outputs
	blindedOpReturnAmount = uint64(1)
)

type txBuilder struct {
	net      *network.Network
	claimKey *btcec.PrivateKey
	feeRate  float64
}

// NewTxBuilder returns a claim builder for the given network. The claim key
// is optional, without it covenants can only be claimed one at a time through
// the covenant claim leaf.
func NewTxBuilder(
	net *network.Network, claimKey *btcec.PrivateKey, feeRate float64,
) (ports.TxBuilder, error) {
	if net == nil {
		return nil, fmt.Errorf("missing network")
	}
	if feeRate <= 0 {
		return nil, fmt.Errorf("invalid fee rate %f", feeRate)
	}
	return &txBuilder{net, claimKey, feeRate}, nil
}

func (b *txBuilder) CanBatch(covenant domain.Covenant) bool {
	if b.claimKey == nil {
		return false
	}
	tree, err := swaptree.Parse(covenant.SwapTree)
	if err != nil {
		return false
	}
	claimPubKey, err := tree.ClaimPubKey()
	if err != nil {
		return false
	}
	return bytes.Equal(claimPubKey, schnorr.SerializePubKey(b.claimKey.PubKey()))
}

func (b *txBuilder) BuildClaimTx(inputs []ports.ClaimInput) (string, string, error) {
	if len(inputs) <= 0 {
		return "", "", fmt.Errorf("missing covenants to claim")
	}

	batch := len(inputs) > 1 || b.CanBatch(inputs[0].Covenant)
	if batch {
		for _, in := range inputs {
			if !b.CanBatch(in.Covenant) {
				return "", "", fmt.Errorf(
					"covenant %s cannot be claimed in batch", in.Covenant.Key(),
				)
			}
		}
	}

	claimInputs, err := b.prepareInputs(inputs, batch)
	if err != nil {
		return "", "", err
	}

	var pset *psetv2.Pset
	if batch {
		pset, err = b.buildSignedClaim(claimInputs)
	} else {
		pset, err = b.buildCovenantClaim(claimInputs[0])
	}
	if err != nil {
		return "", "", err
	}

	return finalizeAndExtract(pset, claimInputs)
}

// claimInput is everything needed to spend one funding output.
type claimInput struct {
	covenant     domain.Covenant
	leaf         *taproot.TapElementsLeaf
	controlBlock *taproot.ControlBlock
	prevout      *transaction.TxOutput
	amount       uint64
	details      *swaptree.CovenantDetails
}

// prepareInputs rebuilds the spending info of every covenant concurrently.
func (b *txBuilder) prepareInputs(
	inputs []ports.ClaimInput, batch bool,
) ([]claimInput, error) {
	claimInputs := make([]claimInput, len(inputs))
	errs := make([]error, len(inputs))

	wg := sync.WaitGroup{}
	wg.Add(len(inputs))
	for i, in := range inputs {
		go func(i int, in ports.ClaimInput) {
			defer wg.Done()
			claimIn, err := b.prepareInput(in, batch)
			if err != nil {
				errs[i] = fmt.Errorf("covenant %s: %w", in.Covenant.Key(), err)
				return
			}
			claimInputs[i] = *claimIn
		}(i, in)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return claimInputs, nil
}

func (b *txBuilder) prepareInput(in ports.ClaimInput, batch bool) (*claimInput, error) {
	covenant := in.Covenant
	if covenant.Status != domain.CovenantDetected {
		return nil, fmt.Errorf("covenant funding output not detected")
	}

	tree, err := swaptree.Parse(covenant.SwapTree)
	if err != nil {
		return nil, err
	}
	details, err := tree.CovenantDetails()
	if err != nil {
		return nil, err
	}

	spendingLeaf := tree.CovenantClaimLeaf
	if batch {
		spendingLeaf = tree.ClaimLeaf
	}
	leaf, controlBlock, err := tree.SpendInfo(spendingLeaf, covenant.InternalKey)
	if err != nil {
		return nil, err
	}
	if err := swaptree.VerifyControlBlock(
		covenant.OutputScript, leaf.Script, controlBlock,
	); err != nil {
		return nil, err
	}

	prevout := in.Prevout
	if prevout == nil {
		if covenant.IsConfidential() {
			return nil, fmt.Errorf("missing confidential funding output")
		}
		if prevout, err = explicitOutput(
			covenant.Asset, covenant.Amount, covenant.OutputScript,
		); err != nil {
			return nil, err
		}
	}
	if !bytes.Equal(prevout.Script, covenant.OutputScript) {
		return nil, fmt.Errorf("funding output does not match covenant script")
	}

	return &claimInput{
		covenant:     covenant,
		leaf:         leaf,
		controlBlock: controlBlock,
		prevout:      prevout,
		amount:       covenant.Amount,
		details:      details,
	}, nil
}

// buildCovenantClaim spends a single output through the covenant claim leaf.
// The leaf enforces output 0 to pay the expected amount to the expected
// address, the rest goes to fees.
func (b *txBuilder) buildCovenantClaim(in claimInput) (*psetv2.Pset, error) {
	if in.amount <= in.details.ExpectedAmount {
		return nil, fmt.Errorf(
			"funding amount %d does not cover expected amount %d",
			in.amount, in.details.ExpectedAmount,
		)
	}
	fee := in.amount - in.details.ExpectedAmount

	pset, updater, err := b.newPset([]claimInput{in})
	if err != nil {
		return nil, err
	}

	outputs := []psetv2.OutputArgs{
		{
			Asset:  b.net.AssetID,
			Amount: in.details.ExpectedAmount,
			Script: in.covenant.Address,
		},
	}
	if in.covenant.IsConfidential() {
		if fee <= blindedOpReturnAmount {
			return nil, fmt.Errorf("fee %d too low to spend confidential output", fee)
		}
		opReturn, err := blindedOpReturn(b.net.AssetID)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, *opReturn)
		fee -= blindedOpReturnAmount
	}
	outputs = append(outputs, psetv2.OutputArgs{Asset: b.net.AssetID, Amount: fee})

	if err := updater.AddOutputs(outputs); err != nil {
		return nil, err
	}

	if err := blind(pset, []claimInput{in}); err != nil {
		return nil, err
	}
	return pset, nil
}

// buildSignedClaim spends every output through the claim leaf signed with the
// claim key. Each covenant address receives its funding amount minus its share
// of the fee, never less than the covenant expected amount.
func (b *txBuilder) buildSignedClaim(inputs []claimInput) (*psetv2.Pset, error) {
	pset, updater, err := b.newPset(inputs)
	if err != nil {
		return nil, err
	}

	confidentialInputs := false
	for _, in := range inputs {
		if in.covenant.IsConfidential() {
			confidentialInputs = true
			break
		}
	}

	numOutputs := len(inputs) + 1
	if confidentialInputs {
		numOutputs++
	}
	fee := estimateFee(inputs, numOutputs, confidentialInputs, b.feeRate)
	if confidentialInputs {
		fee += blindedOpReturnAmount
	}

	feeShare := fee / uint64(len(inputs))
	outputs := make([]psetv2.OutputArgs, 0, numOutputs)
	for i, in := range inputs {
		share := feeShare
		if i == 0 {
			share += fee % uint64(len(inputs))
		}
		if in.amount <= share || in.amount-share < in.details.ExpectedAmount {
			return nil, fmt.Errorf(
				"covenant %s: funding amount %d minus fee %d is below expected amount %d",
				in.covenant.Key(), in.amount, share, in.details.ExpectedAmount,
			)
		}
		outputs = append(outputs, psetv2.OutputArgs{
			Asset:  b.net.AssetID,
			Amount: in.amount - share,
			Script: in.covenant.Address,
		})
	}
	if confidentialInputs {
		opReturn, err := blindedOpReturn(b.net.AssetID)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, *opReturn)
		fee -= blindedOpReturnAmount
	}
	outputs = append(outputs, psetv2.OutputArgs{Asset: b.net.AssetID, Amount: fee})

	if err := updater.AddOutputs(outputs); err != nil {
		return nil, err
	}

	if err := blind(pset, inputs); err != nil {
		return nil, err
	}

	if err := b.sign(pset, inputs); err != nil {
		return nil, err
	}
	return pset, nil
}

func (b *txBuilder) newPset(inputs []claimInput) (*psetv2.Pset, *psetv2.Updater, error) {
	pset, err := psetv2.New(nil, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	updater, err := psetv2.NewUpdater(pset)
	if err != nil {
		return nil, nil, err
	}

	for i, in := range inputs {
		if err := updater.AddInputs([]psetv2.InputArgs{
			{
				Txid:     in.covenant.TxId,
				TxIndex:  in.covenant.Vout,
				Sequence: inputSequence,
			},
		}); err != nil {
			return nil, nil, err
		}

		// the pset moves the range proof of the witness utxo to a dedicated
		// field, the copy keeps the one of the claim input untouched
		prevout := *in.prevout
		if err := updater.AddInWitnessUtxo(i, &prevout); err != nil {
			return nil, nil, err
		}
		if in.prevout.IsConfidential() {
			if err := updater.AddInUtxoRangeProof(i, in.prevout.RangeProof); err != nil {
				return nil, nil, err
			}
		}

		if err := updater.AddInTapLeafScript(i, psetv2.TapLeafScript{
			TapElementsLeaf: *in.leaf,
			ControlBlock:    *in.controlBlock,
		}); err != nil {
			return nil, nil, err
		}

		if err := updater.AddInSighashType(i, txscript.SigHashDefault); err != nil {
			return nil, nil, err
		}
	}

	return pset, updater, nil
}

func (b *txBuilder) sign(pset *psetv2.Pset, inputs []claimInput) error {
	genesisBlockHash, err := chainhash.NewHashFromStr(b.net.GenesisBlockHash)
	if err != nil {
		return err
	}
	signer, err := psetv2.NewSigner(pset)
	if err != nil {
		return err
	}

	for i, in := range inputs {
		leafHash := in.leaf.TapHash()
		preimage, err := taprootPreimage(genesisBlockHash, pset, i, &leafHash)
		if err != nil {
			return err
		}

		sig, err := schnorr.Sign(b.claimKey, preimage)
		if err != nil {
			return err
		}

		tapScriptSig := psetv2.TapScriptSig{
			PartialSig: psetv2.PartialSig{
				PubKey:    schnorr.SerializePubKey(b.claimKey.PubKey()),
				Signature: sig.Serialize(),
			},
			LeafHash: leafHash.CloneBytes(),
		}
		if err := signer.SignTaprootInputTapscriptSig(i, tapScriptSig); err != nil {
			return err
		}
	}
	return nil
}

// taprootPreimage computes the script path sighash of the given input, it
// expects every input to carry its witness utxo.
func taprootPreimage(
	genesisBlockHash *chainhash.Hash,
	pset *psetv2.Pset,
	inputIndex int,
	leafHash *chainhash.Hash,
) ([]byte, error) {
	prevoutScripts := make([][]byte, 0, len(pset.Inputs))
	prevoutAssets := make([][]byte, 0, len(pset.Inputs))
	prevoutValues := make([][]byte, 0, len(pset.Inputs))

	for i, input := range pset.Inputs {
		if input.WitnessUtxo == nil {
			return nil, fmt.Errorf("missing witness utxo on input #%d", i)
		}
		prevoutScripts = append(prevoutScripts, input.WitnessUtxo.Script)
		prevoutAssets = append(prevoutAssets, input.WitnessUtxo.Asset)
		prevoutValues = append(prevoutValues, input.WitnessUtxo.Value)
	}

	utx, err := pset.UnsignedTx()
	if err != nil {
		return nil, err
	}

	preimage := utx.HashForWitnessV1(
		inputIndex,
		prevoutScripts,
		prevoutAssets,
		prevoutValues,
		txscript.SigHashDefault,
		genesisBlockHash,
		leafHash,
		nil,
	)
	return preimage[:], nil
}

func finalizeAndExtract(pset *psetv2.Pset, inputs []claimInput) (string, string, error) {
	for i, in := range inputs {
		controlBlock, err := in.controlBlock.ToBytes()
		if err != nil {
			return "", "", err
		}

		witness := make([][]byte, 0, 4)
		if sigs := pset.Inputs[i].TapScriptSig; len(sigs) > 0 {
			witness = append(witness, sigs[0].Signature)
		}
		witness = append(witness, in.covenant.Preimage, in.leaf.Script, controlBlock)

		var witnessBuf bytes.Buffer
		if err := psbt.WriteTxWitness(&witnessBuf, witness); err != nil {
			return "", "", err
		}
		pset.Inputs[i].FinalScriptWitness = witnessBuf.Bytes()
	}

	tx, err := psetv2.Extract(pset)
	if err != nil {
		return "", "", fmt.Errorf("failed to extract claim tx: %s", err)
	}
	txHex, err := tx.ToHex()
	if err != nil {
		return "", "", err
	}
	return tx.TxHash().String(), txHex, nil
}

// blind blinds the OP_RETURN output, if any. Confidential inputs are revealed
// with the blinding keys of their covenants, explicit ones are taken as is.
func blind(pset *psetv2.Pset, inputs []claimInput) error {
	if !pset.NeedsBlinding() {
		return nil
	}

	ownedInputs := make(map[uint32]psetv2.OwnedInput, len(inputs))
	for i, in := range inputs {
		ownedIn, err := revealInput(in)
		if err != nil {
			return fmt.Errorf("covenant %s: %s", in.covenant.Key(), err)
		}
		ownedIn.Index = uint32(i)
		ownedInputs[uint32(i)] = *ownedIn
	}

	zkpValidator := confidential.NewZKPValidator()
	zkpGenerator, err := confidential.NewZKPGeneratorFromOwnedInputs(ownedInputs, nil)
	if err != nil {
		return err
	}

	owned, err := zkpGenerator.UnblindInputs(pset, nil)
	if err != nil {
		return fmt.Errorf("failed to unblind inputs: %s", err)
	}
	blinder, err := psetv2.NewBlinder(pset, owned, zkpValidator, zkpGenerator)
	if err != nil {
		return err
	}

	outBlindingArgs, err := zkpGenerator.BlindOutputs(pset, nil)
	if err != nil {
		return fmt.Errorf("failed to blind claim tx outputs: %s", err)
	}
	if err := blinder.BlindLast(nil, outBlindingArgs); err != nil {
		return fmt.Errorf("failed to blind claim tx: %s", err)
	}
	return nil
}

func revealInput(in claimInput) (*psetv2.OwnedInput, error) {
	if !in.prevout.IsConfidential() {
		value, err := elementsutil.ValueFromBytes(in.prevout.Value)
		if err != nil {
			return nil, err
		}
		return &psetv2.OwnedInput{
			Value:        value,
			Asset:        elementsutil.AssetHashFromBytes(in.prevout.Asset),
			ValueBlinder: confidential.Zero,
			AssetBlinder: confidential.Zero,
		}, nil
	}

	revealed, err := confidential.UnblindOutputWithKey(in.prevout, in.covenant.BlindingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unblind funding output: %s", err)
	}
	return &psetv2.OwnedInput{
		Value:        revealed.Value,
		Asset:        hex.EncodeToString(elementsutil.ReverseBytes(revealed.Asset)),
		ValueBlinder: revealed.ValueBlindingFactor,
		AssetBlinder: revealed.AssetBlindingFactor,
	}, nil
}

func blindedOpReturn(asset string) (*psetv2.OutputArgs, error) {
	blindingKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &psetv2.OutputArgs{
		Asset:        asset,
		Amount:       blindedOpReturnAmount,
		Script:       []byte{txscript.OP_RETURN},
		BlindingKey:  blindingKey.PubKey().SerializeCompressed(),
		BlinderIndex: 0,
	}, nil
}

func explicitOutput(asset string, amount uint64, script []byte) (*transaction.TxOutput, error) {
	assetBytes, err := elementsutil.AssetHashToBytes(asset)
	if err != nil {
		return nil, fmt.Errorf("invalid funding asset: %s", err)
	}
	value, err := elementsutil.ValueToBytes(amount)
	if err != nil {
		return nil, err
	}
	return transaction.NewTxOutput(assetBytes, value, script), nil
}
