package txbuilder_test

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	txbuilder "github.com/ark-network/covclaim/internal/infrastructure/tx-builder/covenant"
	"github.com/ark-network/covclaim/pkg/swaptree"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-elements/confidential"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/taproot"
	"github.com/vulpemventures/go-elements/transaction"
)

const (
	internalKey = "816963af90d4b882ccbcaacc920ba8e4fdd35c083a052a08d5c1732272ffccd8"
	// placeholders replaced with the fixture preimage hash and claim key
	preimageHashPlaceholder = "af8b5215948249f6e10adddc531ffe5d4428b917"
	claimKeyPlaceholder     = "812910149e0e71209624487851f80a0cb97652efb0a836205628bc1b0e8e3aa7"
	treeTemplate            = `{
		"claimLeaf": {
			"version": 196,
			"output": "82012088a914af8b5215948249f6e10adddc531ffe5d4428b9178820812910149e0e71209624487851f80a0cb97652efb0a836205628bc1b0e8e3aa7ac"
		},
		"refundLeaf": {
			"version": 196,
			"output": "201ec7adf6f1c40ad340533027d15952c0c5b7aa0dd6c4b38d838e62d32d4d0259ad020b06b1"
		},
		"covenantClaimLeaf": {
			"version": 196,
			"output": "82012088a914af8b5215948249f6e10adddc531ffe5d4428b9178800d1008814aff4f5af812e3db39024f2000db7e23091dc06038800ce51882025b251070e29ca19043cf33ccd7324e2ddab03ecc4ae0b5e77c4fc0e5cf6c95a8800cf7508a08601000000000087"
		}
	}`
	expectedAmount = uint64(100_000)
	// p2wpkh script of the output the covenant claim leaf expects
	expectedAddress = "0014aff4f5af812e3db39024f2000db7e23091dc0603"
	feeRate         = 0.1
)

var net = &network.Regtest

func TestNewTxBuilder(t *testing.T) {
	_, err := txbuilder.NewTxBuilder(nil, nil, feeRate)
	require.Error(t, err)

	_, err = txbuilder.NewTxBuilder(net, nil, 0)
	require.Error(t, err)

	builder, err := txbuilder.NewTxBuilder(net, nil, feeRate)
	require.NoError(t, err)
	require.NotNil(t, builder)
}

func TestCanBatch(t *testing.T) {
	claimKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	covenant := newDetectedCovenant(t, claimKey, 200_000)

	builder, err := txbuilder.NewTxBuilder(net, claimKey, feeRate)
	require.NoError(t, err)
	require.True(t, builder.CanBatch(covenant))

	builder, err = txbuilder.NewTxBuilder(net, otherKey, feeRate)
	require.NoError(t, err)
	require.False(t, builder.CanBatch(covenant))

	builder, err = txbuilder.NewTxBuilder(net, nil, feeRate)
	require.NoError(t, err)
	require.False(t, builder.CanBatch(covenant))
}

func TestBuildCovenantClaim(t *testing.T) {
	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	builder, err := txbuilder.NewTxBuilder(net, nil, feeRate)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		covenant := newDetectedCovenant(t, otherKey, 100_300)

		txid, txHex, err := builder.BuildClaimTx([]ports.ClaimInput{{Covenant: covenant}})
		require.NoError(t, err)
		require.NotEmpty(t, txid)

		tx, err := transaction.NewTxFromHex(txHex)
		require.NoError(t, err)
		require.Equal(t, txid, tx.TxHash().String())
		require.Equal(t, int32(2), tx.Version)
		require.Zero(t, tx.Locktime)

		require.Len(t, tx.Inputs, 1)
		require.Equal(t, uint32(0xfffffffd), tx.Inputs[0].Sequence)
		require.Equal(t, covenant.Vout, tx.Inputs[0].Index)
		// preimage, leaf script, control block
		require.Len(t, tx.Inputs[0].Witness, 3)
		require.Equal(t, covenant.Preimage, []byte(tx.Inputs[0].Witness[0]))

		require.Len(t, tx.Outputs, 2)
		require.Equal(t, covenant.Address, tx.Outputs[0].Script)
		require.Equal(t, expectedAmount, outputValue(t, tx.Outputs[0]))
		require.Empty(t, tx.Outputs[1].Script)
		require.Equal(t, uint64(300), outputValue(t, tx.Outputs[1]))
	})

	t.Run("invalid", func(t *testing.T) {
		fixtures := []struct {
			name  string
			input func() ports.ClaimInput
		}{
			{
				name: "no_fee_left",
				input: func() ports.ClaimInput {
					return ports.ClaimInput{Covenant: newDetectedCovenant(t, otherKey, expectedAmount)}
				},
			},
			{
				name: "not_detected",
				input: func() ports.ClaimInput {
					covenant := newDetectedCovenant(t, otherKey, 100_300)
					covenant.Status = domain.CovenantPending
					return ports.ClaimInput{Covenant: covenant}
				},
			},
			{
				name: "wrong_output_script",
				input: func() ports.ClaimInput {
					covenant := newDetectedCovenant(t, otherKey, 100_300)
					covenant.OutputScript = append([]byte{}, covenant.OutputScript...)
					covenant.OutputScript[2] ^= 0xff
					return ports.ClaimInput{Covenant: covenant}
				},
			},
			{
				name: "missing_confidential_prevout",
				input: func() ports.ClaimInput {
					covenant := newDetectedCovenant(t, otherKey, 100_300)
					covenant.BlindingKey = randomBytes(t, 32)
					return ports.ClaimInput{Covenant: covenant}
				},
			},
		}

		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				txid, txHex, err := builder.BuildClaimTx([]ports.ClaimInput{f.input()})
				require.Error(t, err)
				require.Empty(t, txid)
				require.Empty(t, txHex)
			})
		}

		_, _, err := builder.BuildClaimTx(nil)
		require.Error(t, err)
	})
}

func TestBuildSignedClaim(t *testing.T) {
	claimKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	builder, err := txbuilder.NewTxBuilder(net, claimKey, feeRate)
	require.NoError(t, err)

	covenants := []domain.Covenant{
		newDetectedCovenant(t, claimKey, 200_000),
		newDetectedCovenant(t, claimKey, 150_000),
		newDetectedCovenant(t, claimKey, 120_000),
	}
	inputs := make([]ports.ClaimInput, 0, len(covenants))
	for _, c := range covenants {
		inputs = append(inputs, ports.ClaimInput{Covenant: c})
	}

	txid, txHex, err := builder.BuildClaimTx(inputs)
	require.NoError(t, err)

	tx, err := transaction.NewTxFromHex(txHex)
	require.NoError(t, err)
	require.Equal(t, txid, tx.TxHash().String())
	require.Len(t, tx.Inputs, len(covenants))
	require.Len(t, tx.Outputs, len(covenants)+1)

	totalIn, totalOut := uint64(0), uint64(0)
	for i, c := range covenants {
		totalIn += c.Amount
		value := outputValue(t, tx.Outputs[i])
		totalOut += value

		require.Equal(t, c.Address, tx.Outputs[i].Script)
		require.Less(t, value, c.Amount)
		require.GreaterOrEqual(t, value, expectedAmount)
	}
	fee := outputValue(t, tx.Outputs[len(covenants)])
	require.Empty(t, tx.Outputs[len(covenants)].Script)
	require.NotZero(t, fee)
	require.Equal(t, totalIn, totalOut+fee)

	genesisBlockHash, err := chainhash.NewHashFromStr(net.GenesisBlockHash)
	require.NoError(t, err)

	scripts := make([][]byte, 0, len(covenants))
	assets := make([][]byte, 0, len(covenants))
	values := make([][]byte, 0, len(covenants))
	for _, c := range covenants {
		asset, err := elementsutil.AssetHashToBytes(c.Asset)
		require.NoError(t, err)
		value, err := elementsutil.ValueToBytes(c.Amount)
		require.NoError(t, err)
		scripts = append(scripts, c.OutputScript)
		assets = append(assets, asset)
		values = append(values, value)
	}

	for i, in := range tx.Inputs {
		// signature, preimage, leaf script, control block
		require.Len(t, in.Witness, 4)
		require.Equal(t, covenants[i].Preimage, []byte(in.Witness[1]))

		leafHash := taproot.NewBaseTapElementsLeaf(in.Witness[2]).TapHash()
		sighash := tx.HashForWitnessV1(
			i, scripts, assets, values, txscript.SigHashDefault, genesisBlockHash, &leafHash, nil,
		)

		sig, err := schnorr.ParseSignature(in.Witness[0])
		require.NoError(t, err)
		require.True(t, sig.Verify(sighash[:], claimKey.PubKey()))
	}

	t.Run("amount_below_expected", func(t *testing.T) {
		covenant := newDetectedCovenant(t, claimKey, expectedAmount+1)
		_, _, err := builder.BuildClaimTx([]ports.ClaimInput{{Covenant: covenant}})
		require.Error(t, err)
	})

	t.Run("foreign_claim_key", func(t *testing.T) {
		otherKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		_, _, err = builder.BuildClaimTx(append(inputs, ports.ClaimInput{
			Covenant: newDetectedCovenant(t, otherKey, 200_000),
		}))
		require.Error(t, err)
	})
}

func TestBuildConfidentialClaim(t *testing.T) {
	claimKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	blindingKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	t.Run("covenant_leaf", func(t *testing.T) {
		builder, err := txbuilder.NewTxBuilder(net, nil, feeRate)
		require.NoError(t, err)

		covenant, prevout := newConfidentialCovenant(t, claimKey, blindingKey, 100_500)

		claimTxid, txHex, err := builder.BuildClaimTx([]ports.ClaimInput{
			{Covenant: covenant, Prevout: prevout},
		})
		require.NoError(t, err)

		tx, err := transaction.NewTxFromHex(txHex)
		require.NoError(t, err)
		require.Equal(t, claimTxid, tx.TxHash().String())
		require.Len(t, tx.Inputs, 1)
		require.Len(t, tx.Outputs, 3)

		require.Equal(t, covenant.Address, tx.Outputs[0].Script)
		require.Equal(t, expectedAmount, outputValue(t, tx.Outputs[0]))

		requireBlindedOpReturn(t, tx.Outputs[1])

		require.Empty(t, tx.Outputs[2].Script)
		require.Equal(t, uint64(499), outputValue(t, tx.Outputs[2]))

		// the funding range proof is not altered by the builder
		require.NotEmpty(t, prevout.RangeProof)
	})

	t.Run("signed_batch_with_explicit_input", func(t *testing.T) {
		builder, err := txbuilder.NewTxBuilder(net, claimKey, feeRate)
		require.NoError(t, err)

		confidentialCovenant, prevout := newConfidentialCovenant(
			t, claimKey, blindingKey, 150_000,
		)
		explicitCovenant := newDetectedCovenant(t, claimKey, 200_000)

		_, txHex, err := builder.BuildClaimTx([]ports.ClaimInput{
			{Covenant: explicitCovenant},
			{Covenant: confidentialCovenant, Prevout: prevout},
		})
		require.NoError(t, err)

		tx, err := transaction.NewTxFromHex(txHex)
		require.NoError(t, err)
		require.Len(t, tx.Inputs, 2)
		// two claim outputs, blinded OP_RETURN, fee
		require.Len(t, tx.Outputs, 4)

		totalOut := uint64(0)
		for i, c := range []domain.Covenant{explicitCovenant, confidentialCovenant} {
			require.Equal(t, c.Address, tx.Outputs[i].Script)
			totalOut += outputValue(t, tx.Outputs[i])
		}
		requireBlindedOpReturn(t, tx.Outputs[2])
		totalOut += outputValue(t, tx.Outputs[3]) + 1

		require.Equal(t, explicitCovenant.Amount+confidentialCovenant.Amount, totalOut)
		for _, in := range tx.Inputs {
			require.Len(t, in.Witness, 4)
		}
	})

	t.Run("wrong_blinding_key", func(t *testing.T) {
		builder, err := txbuilder.NewTxBuilder(net, nil, feeRate)
		require.NoError(t, err)

		covenant, prevout := newConfidentialCovenant(t, claimKey, blindingKey, 100_500)
		otherKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		covenant.BlindingKey = otherKey.Serialize()

		_, _, err = builder.BuildClaimTx([]ports.ClaimInput{
			{Covenant: covenant, Prevout: prevout},
		})
		require.Error(t, err)
	})
}

func requireBlindedOpReturn(t *testing.T, out *transaction.TxOutput) {
	require.Equal(t, []byte{txscript.OP_RETURN}, out.Script)
	require.True(t, out.IsConfidential())
	require.NotEmpty(t, out.SurjectionProof)
	require.True(t, confidential.NewZKPValidator().VerifyValueRangeProof(
		out.Value, out.Asset, out.Script, out.RangeProof,
	))
}

// newConfidentialCovenant returns a detected covenant funded by a blinded
// output, along with the output itself.
func newConfidentialCovenant(
	t *testing.T, claimKey, blindingKey *btcec.PrivateKey, amount uint64,
) (domain.Covenant, *transaction.TxOutput) {
	covenant := newDetectedCovenant(t, claimKey, amount)
	covenant.BlindingKey = blindingKey.Serialize()

	txid, prevout := confidentialFunding(t, covenant, blindingKey.PubKey())
	covenant.TxId = txid
	covenant.Vout = 0

	unblinded, err := txbuilder.NewUnblinder().Unblind(prevout, covenant.BlindingKey)
	require.NoError(t, err)
	require.Equal(t, amount, unblinded.Value)
	require.Equal(t, net.AssetID, unblinded.Asset)

	return covenant, prevout
}

func newDetectedCovenant(
	t *testing.T, claimKey *btcec.PrivateKey, amount uint64,
) domain.Covenant {
	preimage := randomBytes(t, 32)
	treeJSON := strings.ReplaceAll(
		treeTemplate, preimageHashPlaceholder, hex.EncodeToString(btcutil.Hash160(preimage)),
	)
	treeJSON = strings.ReplaceAll(
		treeJSON, claimKeyPlaceholder, hex.EncodeToString(schnorr.SerializePubKey(claimKey.PubKey())),
	)

	tree, err := swaptree.Parse(treeJSON)
	require.NoError(t, err)

	key, err := hex.DecodeString(internalKey)
	require.NoError(t, err)
	outputScript, err := tree.OutputScript(key)
	require.NoError(t, err)
	address, err := hex.DecodeString(expectedAddress)
	require.NoError(t, err)

	covenant, err := domain.NewCovenant(outputScript, key, preimage, tree.String(), address)
	require.NoError(t, err)

	require.NoError(t, covenant.Detect(domain.Detection{
		TxId:   hex.EncodeToString(randomBytes(t, 32)),
		Vout:   1,
		TxTime: time.Now(),
		Amount: amount,
		Asset:  net.AssetID,
	}))
	return *covenant
}

// confidentialFunding returns a blinded output paying the covenant amount to
// its output script along with the id of the funding tx.
func confidentialFunding(
	t *testing.T, covenant domain.Covenant, blindingPubKey *btcec.PublicKey,
) (string, *transaction.TxOutput) {
	pset, err := psetv2.New(nil, nil, nil)
	require.NoError(t, err)
	updater, err := psetv2.NewUpdater(pset)
	require.NoError(t, err)

	fee := uint64(300)
	require.NoError(t, updater.AddInputs([]psetv2.InputArgs{
		{Txid: hex.EncodeToString(randomBytes(t, 32)), TxIndex: 0},
	}))
	asset, err := elementsutil.AssetHashToBytes(net.AssetID)
	require.NoError(t, err)
	value, err := elementsutil.ValueToBytes(covenant.Amount + fee)
	require.NoError(t, err)
	require.NoError(t, updater.AddInWitnessUtxo(
		0, transaction.NewTxOutput(asset, value, randomP2WPKH(t)),
	))
	require.NoError(t, updater.AddOutputs([]psetv2.OutputArgs{
		{
			Asset:        net.AssetID,
			Amount:       covenant.Amount,
			Script:       covenant.OutputScript,
			BlindingKey:  blindingPubKey.SerializeCompressed(),
			BlinderIndex: 0,
		},
		{Asset: net.AssetID, Amount: fee},
	}))

	generator, err := confidential.NewZKPGeneratorFromOwnedInputs(
		map[uint32]psetv2.OwnedInput{
			0: {
				Index:        0,
				Value:        covenant.Amount + fee,
				Asset:        net.AssetID,
				ValueBlinder: confidential.Zero,
				AssetBlinder: confidential.Zero,
			},
		}, nil,
	)
	require.NoError(t, err)
	ownedInputs, err := generator.UnblindInputs(pset, nil)
	require.NoError(t, err)
	blinder, err := psetv2.NewBlinder(pset, ownedInputs, confidential.NewZKPValidator(), generator)
	require.NoError(t, err)
	outBlindingArgs, err := generator.BlindOutputs(pset, nil)
	require.NoError(t, err)
	require.NoError(t, blinder.BlindLast(nil, outBlindingArgs))

	utx, err := pset.UnsignedTx()
	require.NoError(t, err)

	out := pset.Outputs[0]
	prevout := &transaction.TxOutput{
		Asset:           out.AssetCommitment,
		Value:           out.ValueCommitment,
		Script:          out.Script,
		Nonce:           out.EcdhPubkey,
		RangeProof:      out.ValueRangeproof,
		SurjectionProof: out.AssetSurjectionProof,
	}
	require.True(t, prevout.IsConfidential())

	return utx.TxHash().String(), prevout
}

func outputValue(t *testing.T, out *transaction.TxOutput) uint64 {
	value, err := elementsutil.ValueFromBytes(out.Value)
	require.NoError(t, err)
	return value
}

func randomP2WPKH(t *testing.T) []byte {
	return append([]byte{0x00, 0x14}, randomBytes(t, 20)...)
}

func randomBytes(t *testing.T, n int) []byte {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}
