package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/ark-network/covclaim/internal/infrastructure/db"
	txbuilder "github.com/ark-network/covclaim/internal/infrastructure/tx-builder/covenant"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/payment"
	"github.com/vulpemventures/go-elements/transaction"
)

const (
	testInternalKey         = "816963af90d4b882ccbcaacc920ba8e4fdd35c083a052a08d5c1732272ffccd8"
	preimageHashPlaceholder = "af8b5215948249f6e10adddc531ffe5d4428b917"
	testTreeTemplate        = `{
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
	// output the covenant claim leaf expects at index 0
	testExpectedScript = "0014aff4f5af812e3db39024f2000db7e23091dc0603"
	testTipHeight      = uint64(100)
)

var testNetwork = &network.Regtest

type testEnv struct {
	svc       *service
	repo      ports.RepoManager
	chain     *mockedChain
	scheduler *mockedScheduler
}

// testDeps are the optional dependencies of the service under test.
type testDeps struct {
	builder  ports.TxBuilder
	relay    ports.TxRelay
	events   ports.EventPublisher
	notifier ports.Notifier
	repo     ports.RepoManager
}

func newTestEnv(t *testing.T, cfg ServiceConfig, deps testDeps) *testEnv {
	repo := deps.repo
	if repo == nil {
		repo = newTestRepo(t)
	}

	builder := deps.builder
	if builder == nil {
		var err error
		builder, err = txbuilder.NewTxBuilder(testNetwork, nil, 0.1)
		require.NoError(t, err)
	}

	chain := newMockedChain()
	scheduler := &mockedScheduler{}

	svc, err := NewService(
		testNetwork, cfg, repo, chain, deps.relay, builder, txbuilder.NewUnblinder(),
		scheduler, deps.notifier, deps.events, nil,
	)
	require.NoError(t, err)

	return &testEnv{svc.(*service), repo, chain, scheduler}
}

func newTestRepo(t *testing.T) ports.RepoManager {
	repo, err := db.NewService(db.ServiceConfig{
		DataStoreType:   "badger",
		DataStoreConfig: []interface{}{"", nil},
	})
	require.NoError(t, err)
	return repo
}

func (e *testEnv) start(t *testing.T) {
	require.NoError(t, e.svc.Start())
	t.Cleanup(e.svc.Stop)

	// catch up completed
	require.Eventually(t, func() bool {
		height, ok, err := e.repo.Parameters().GetBlockHeight(context.Background())
		return err == nil && ok && height >= testTipHeight
	}, 5*time.Second, 10*time.Millisecond)
}

func (e *testEnv) covenant(t *testing.T, outputScript []byte) domain.Covenant {
	covenant, err := e.svc.GetCovenant(context.Background(), outputScript)
	require.NoError(t, err)
	return *covenant
}

func (e *testEnv) waitStatus(t *testing.T, outputScript []byte, status domain.CovenantStatus) {
	require.Eventually(t, func() bool {
		covenant, err := e.svc.GetCovenant(context.Background(), outputScript)
		return err == nil && covenant.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

// newCovenantRequest returns a valid registration for a fresh preimage.
func newCovenantRequest(t *testing.T) CovenantRequest {
	preimage := randomBytes(t, 32)
	tree := strings.ReplaceAll(
		testTreeTemplate, preimageHashPlaceholder,
		hex.EncodeToString(btcutil.Hash160(preimage)),
	)
	internalKey, err := hex.DecodeString(testInternalKey)
	require.NoError(t, err)

	return CovenantRequest{
		InternalKey: internalKey,
		Preimage:    preimage,
		Address:     covenantAddress(t),
		SwapTree:    tree,
		SwapId:      hex.EncodeToString(randomBytes(t, 6)),
	}
}

func (e *testEnv) register(t *testing.T) domain.Covenant {
	covenant, err := e.svc.RegisterCovenant(context.Background(), newCovenantRequest(t))
	require.NoError(t, err)
	return *covenant
}

func fundingTx(t *testing.T, outputScript []byte, amount uint64) *transaction.Transaction {
	return fundingTxWithAsset(t, outputScript, amount, testNetwork.AssetID)
}

func fundingTxWithAsset(
	t *testing.T, outputScript []byte, amount uint64, assetId string,
) *transaction.Transaction {
	tx := transaction.NewTx(2)
	tx.AddInput(transaction.NewTxInput(randomBytes(t, 32), 0))

	asset, err := elementsutil.AssetHashToBytes(assetId)
	require.NoError(t, err)
	change, err := elementsutil.ValueToBytes(50_000)
	require.NoError(t, err)
	value, err := elementsutil.ValueToBytes(amount)
	require.NoError(t, err)
	fee, err := elementsutil.ValueToBytes(300)
	require.NoError(t, err)

	changeScript, err := address.ToOutputScript(randomAddress(t))
	require.NoError(t, err)

	tx.AddOutput(transaction.NewTxOutput(asset, change, changeScript))
	tx.AddOutput(transaction.NewTxOutput(asset, value, outputScript))
	tx.AddOutput(transaction.NewTxOutput(asset, fee, []byte{}))
	return tx
}

func covenantAddress(t *testing.T) string {
	script, err := hex.DecodeString(testExpectedScript)
	require.NoError(t, err)
	pay, err := payment.FromScript(script, testNetwork, nil)
	require.NoError(t, err)
	addr, err := pay.WitnessPubKeyHash()
	require.NoError(t, err)
	return addr
}

func randomAddress(t *testing.T) string {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := payment.FromPublicKey(key.PubKey(), testNetwork, nil).WitnessPubKeyHash()
	require.NoError(t, err)
	return addr
}

func randomBytes(t *testing.T, n int) []byte {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}
