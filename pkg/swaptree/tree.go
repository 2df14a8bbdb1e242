package swaptree

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/payment"
	"github.com/vulpemventures/go-elements/taproot"
)

// LeafVersion is the elements tapscript leaf version.
const LeafVersion = 0xc4

type Leaf struct {
	Version uint8  `json:"version"`
	Output  string `json:"output"`
}

func (l Leaf) Script() ([]byte, error) {
	if l.Version != 0 && l.Version != LeafVersion {
		return nil, fmt.Errorf("unsupported leaf version %d", l.Version)
	}
	script, err := hex.DecodeString(l.Output)
	if err != nil {
		return nil, fmt.Errorf("invalid leaf script: %s", err)
	}
	if len(script) <= 0 {
		return nil, fmt.Errorf("missing leaf script")
	}
	return script, nil
}

func (l Leaf) tapLeaf() (taproot.TapElementsLeaf, error) {
	script, err := l.Script()
	if err != nil {
		return taproot.TapElementsLeaf{}, err
	}
	return taproot.NewBaseTapElementsLeaf(script), nil
}

// SwapTree is the taproot tree of a covenant swap output. The covenant claim
// leaf sits at depth 1, the claim and refund leaves at depth 2.
type SwapTree struct {
	ClaimLeaf         Leaf `json:"claimLeaf"`
	RefundLeaf        Leaf `json:"refundLeaf"`
	CovenantClaimLeaf Leaf `json:"covenantClaimLeaf"`
}

func Parse(str string) (*SwapTree, error) {
	tree := &SwapTree{}
	if err := json.Unmarshal([]byte(str), tree); err != nil {
		return nil, fmt.Errorf("invalid swap tree: %s", err)
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	return tree, nil
}

func (t SwapTree) Validate() error {
	if _, err := t.ClaimLeaf.Script(); err != nil {
		return fmt.Errorf("claim leaf: %s", err)
	}
	if _, err := t.RefundLeaf.Script(); err != nil {
		return fmt.Errorf("refund leaf: %s", err)
	}
	if _, err := t.CovenantClaimLeaf.Script(); err != nil {
		return fmt.Errorf("covenant claim leaf: %s", err)
	}
	return nil
}

func (t SwapTree) String() string {
	buf, _ := json.Marshal(t)
	return string(buf)
}

func (t SwapTree) TapTree() (*taproot.IndexedElementsTapScriptTree, error) {
	leaves := make([]taproot.TapElementsLeaf, 0, 3)
	for _, l := range []Leaf{t.ClaimLeaf, t.RefundLeaf, t.CovenantClaimLeaf} {
		leaf, err := l.tapLeaf()
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}

	// with 3 leaves the last one is merged with the branch of the first two,
	// which puts the covenant claim leaf one level above the others.
	return taproot.AssembleTaprootScriptTree(leaves...), nil
}

func (t SwapTree) OutputKey(internalKey *btcec.PublicKey) (*btcec.PublicKey, error) {
	tapTree, err := t.TapTree()
	if err != nil {
		return nil, err
	}
	root := tapTree.RootNode.TapHash()
	return taproot.ComputeTaprootOutputKey(internalKey, root[:]), nil
}

// OutputScript returns the segwit v1 script locking the swap funds.
func (t SwapTree) OutputScript(internalKey []byte) ([]byte, error) {
	key, err := schnorr.ParsePubKey(internalKey)
	if err != nil {
		return nil, fmt.Errorf("invalid internal key: %s", err)
	}
	outputKey, err := t.OutputKey(key)
	if err != nil {
		return nil, err
	}
	return P2TRScript(outputKey)
}

func (t SwapTree) Address(internalKey []byte, net *network.Network) (string, error) {
	key, err := schnorr.ParsePubKey(internalKey)
	if err != nil {
		return "", fmt.Errorf("invalid internal key: %s", err)
	}
	outputKey, err := t.OutputKey(key)
	if err != nil {
		return "", err
	}
	p2tr, err := payment.FromTweakedKey(outputKey, net, nil)
	if err != nil {
		return "", err
	}
	return p2tr.TaprootAddress()
}

// SpendInfo returns the leaf and the serialized control block needed to spend
// the given leaf through the script path.
func (t SwapTree) SpendInfo(
	leaf Leaf, internalKey []byte,
) (*taproot.TapElementsLeaf, *taproot.ControlBlock, error) {
	key, err := schnorr.ParsePubKey(internalKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid internal key: %s", err)
	}
	tapLeaf, err := leaf.tapLeaf()
	if err != nil {
		return nil, nil, err
	}
	tapTree, err := t.TapTree()
	if err != nil {
		return nil, nil, err
	}

	index, ok := tapTree.LeafProofIndex[tapLeaf.TapHash()]
	if !ok {
		return nil, nil, fmt.Errorf("leaf not found in swap tree")
	}
	proof := tapTree.LeafMerkleProofs[index]
	controlBlock := proof.ToControlBlock(key)

	return &tapLeaf, &controlBlock, nil
}

// ClaimPubKey returns the x-only key the claim leaf requires a signature for.
func (t SwapTree) ClaimPubKey() ([]byte, error) {
	script, err := t.ClaimLeaf.Script()
	if err != nil {
		return nil, err
	}

	var lastPush []byte
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if tokenizer.Opcode() == txscript.OP_CHECKSIG {
			if len(lastPush) != 32 {
				break
			}
			return lastPush, nil
		}
		lastPush = tokenizer.Data()
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("invalid claim leaf: %s", err)
	}
	return nil, fmt.Errorf("claim leaf has no signature check")
}

func P2TRScript(taprootKey *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(taprootKey)).
		Script()
}

// VerifyControlBlock checks that the control block commits the leaf script to
// the given segwit v1 output script.
func VerifyControlBlock(
	outputScript, leafScript []byte, controlBlock *taproot.ControlBlock,
) error {
	root := controlBlock.RootHash(leafScript)
	outputKey := taproot.ComputeTaprootOutputKey(controlBlock.InternalKey, root)
	script, err := P2TRScript(outputKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(script, outputScript) {
		return fmt.Errorf("control block does not commit to output script")
	}
	return nil
}
