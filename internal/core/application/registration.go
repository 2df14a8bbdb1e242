package application

import (
	"bytes"
	"context"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/pkg/swaptree"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/go-elements/address"
)

const preimageLen = 32

func (s *service) RegisterCovenant(
	ctx context.Context, req CovenantRequest,
) (*domain.Covenant, error) {
	covenant, err := s.newCovenant(req)
	if err != nil {
		return nil, err
	}

	if err := s.storage.do(ctx, func() error {
		return s.repoManager.Covenants().Add(ctx, *covenant)
	}); err != nil {
		return nil, err
	}
	s.metrics.CovenantRegistered()

	log.WithField("covenant", covenant.Key()).
		WithField("swap", covenant.SwapId).
		Info("registered new covenant to claim")
	return covenant, nil
}

func (s *service) GetCovenant(
	ctx context.Context, outputScript []byte,
) (*domain.Covenant, error) {
	var covenant *domain.Covenant
	if err := s.storage.do(ctx, func() (err error) {
		covenant, err = s.repoManager.Covenants().Get(ctx, outputScript)
		return
	}); err != nil {
		return nil, err
	}
	return covenant, nil
}

// newCovenant validates the registration and derives the output script to
// watch from the swap tree and the internal key.
func (s *service) newCovenant(req CovenantRequest) (*domain.Covenant, error) {
	tree, err := swaptree.Parse(req.SwapTree)
	if err != nil {
		return nil, invalidRequest("could not parse swap tree: %s", err)
	}
	details, err := tree.CovenantDetails()
	if err != nil {
		return nil, invalidRequest("could not parse swap tree: %s", err)
	}

	if len(req.Preimage) != preimageLen {
		return nil, invalidRequest("invalid preimage length %d", len(req.Preimage))
	}
	if !bytes.Equal(btcutil.Hash160(req.Preimage), details.PreimageHash) {
		return nil, invalidRequest("invalid preimage")
	}

	addressScript, err := s.parseAddress(req.Address)
	if err != nil {
		return nil, err
	}

	if len(req.BlindingKey) > 0 {
		if err := validateBlindingKey(req.BlindingKey); err != nil {
			return nil, err
		}
	}

	internalKey, err := covenantInternalKey(req)
	if err != nil {
		return nil, err
	}

	outputScript, err := tree.OutputScript(internalKey)
	if err != nil {
		return nil, invalidRequest("could not derive output script: %s", err)
	}

	covenant, err := domain.NewCovenant(
		outputScript, internalKey, req.Preimage, tree.String(), addressScript,
	)
	if err != nil {
		return nil, invalidRequest("%s", err)
	}
	covenant.BlindingKey = req.BlindingKey
	covenant.SwapId = req.SwapId
	// trees without a plain claim leaf can only be claimed via the covenant
	if claimPubKey, err := tree.ClaimPubKey(); err == nil {
		covenant.ClaimPubKey = claimPubKey
	}

	return covenant, nil
}

func (s *service) parseAddress(addr string) ([]byte, error) {
	script, err := address.ToOutputScript(addr)
	if err != nil {
		return nil, invalidRequest("could not parse address: %s", err)
	}
	net, err := address.NetworkForAddress(addr)
	if err != nil {
		return nil, invalidRequest("could not parse address: unknown network")
	}
	if net.Name != s.network.Name {
		return nil, invalidRequest("address must be for %s network", s.network.Name)
	}
	return script, nil
}

// covenantInternalKey returns the given internal key or, if missing, the
// musig2 aggregate of the refund and claim keys, in this order.
func covenantInternalKey(req CovenantRequest) ([]byte, error) {
	if len(req.InternalKey) > 0 {
		key, err := parsePubKey(req.InternalKey)
		if err != nil {
			return nil, invalidRequest("invalid internal key: %s", err)
		}
		return schnorr.SerializePubKey(key), nil
	}

	if len(req.RefundPublicKey) <= 0 || len(req.ClaimPublicKey) <= 0 {
		return nil, invalidRequest("missing internal key or claim and refund public keys")
	}
	refundKey, err := parsePubKey(req.RefundPublicKey)
	if err != nil {
		return nil, invalidRequest("invalid refund public key: %s", err)
	}
	claimKey, err := parsePubKey(req.ClaimPublicKey)
	if err != nil {
		return nil, invalidRequest("invalid claim public key: %s", err)
	}

	aggregated, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{refundKey, claimKey}, false,
	)
	if err != nil {
		return nil, invalidRequest("failed to aggregate keys: %s", err)
	}
	return schnorr.SerializePubKey(aggregated.FinalKey), nil
}

// parsePubKey accepts both x-only and compressed keys.
func parsePubKey(key []byte) (*btcec.PublicKey, error) {
	if len(key) == schnorr.PubKeyBytesLen {
		return schnorr.ParsePubKey(key)
	}
	return btcec.ParsePubKey(key)
}

func validateBlindingKey(key []byte) error {
	if len(key) != 32 {
		return invalidRequest("could not parse blinding key: invalid length %d", len(key))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(key); overflow || scalar.IsZero() {
		return invalidRequest("could not parse blinding key: not a valid secret key")
	}
	return nil
}
