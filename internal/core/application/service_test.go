package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	watermillevents "github.com/ark-network/covclaim/internal/infrastructure/events/watermill"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-elements/transaction"
)

var schedulerConfig = ServiceConfig{SweepInterval: 30}

func TestNewService(t *testing.T) {
	repo := newTestRepo(t)
	t.Cleanup(repo.Close)
	chain := newMockedChain()
	builder := &mockedTxBuilder{}
	unblinder := &noopUnblinder{}

	svc, err := NewService(
		testNetwork, ServiceConfig{}, repo, chain, nil, builder, unblinder,
		nil, nil, nil, nil,
	)
	require.NoError(t, err)
	require.NotNil(t, svc)

	fixtures := []struct {
		name      string
		cfg       ServiceConfig
		scheduler ports.SchedulerService
		builder   ports.TxBuilder
	}{
		{
			name:    "negative_sweep_time",
			cfg:     ServiceConfig{SweepTime: -1},
			builder: builder,
		},
		{
			name:    "missing_scheduler",
			cfg:     ServiceConfig{SweepInterval: 10},
			builder: builder,
		},
		{
			name:      "invalid_relay_policy",
			cfg:       ServiceConfig{RelayPolicy: "sometimes"},
			scheduler: &mockedScheduler{},
			builder:   builder,
		},
		{
			name: "missing_builder",
			cfg:  ServiceConfig{},
		},
	}
	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			svc, err := NewService(
				testNetwork, f.cfg, repo, chain, nil, f.builder, unblinder,
				f.scheduler, nil, nil, nil,
			)
			require.Error(t, err)
			require.Nil(t, svc)
		})
	}
}

func TestClaimCovenant(t *testing.T) {
	events := watermillevents.NewEventBus()
	env := newTestEnv(t, schedulerConfig, testDeps{events: events})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight, nil)

	broadcasted := make(chan string, 1)
	env.chain.On("Broadcast", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			broadcasted <- args.String(1)
		}).
		Return("", nil)

	claimEvents := make(chan ports.ClaimEvent, 1)
	require.NoError(t, events.SubscribeClaims(context.Background(), func(e ports.ClaimEvent) {
		claimEvents <- e
	}))

	env.start(t)

	covenant := env.register(t)
	require.Equal(t, domain.CovenantPending, covenant.Status)

	funding := fundingTx(t, covenant.OutputScript, 101_000)
	env.chain.txs <- funding
	env.waitStatus(t, covenant.OutputScript, domain.CovenantDetected)

	detected := env.covenant(t, covenant.OutputScript)
	require.Equal(t, funding.TxHash().String(), detected.TxId)
	require.Equal(t, uint32(1), detected.Vout)
	require.Equal(t, uint64(101_000), detected.Amount)
	require.Equal(t, testNetwork.AssetID, detected.Asset)

	env.scheduler.tick()

	var txHex string
	select {
	case txHex = <-broadcasted:
	case <-time.After(5 * time.Second):
		t.Fatal("claim tx not broadcast")
	}
	claimTx, err := transaction.NewTxFromHex(txHex)
	require.NoError(t, err)
	require.Len(t, claimTx.Inputs, 1)
	fundingHash := funding.TxHash()
	require.Equal(t, fundingHash.CloneBytes(), claimTx.Inputs[0].Hash)
	require.Equal(t, covenant.Address, claimTx.Outputs[0].Script)

	claimed := env.covenant(t, covenant.OutputScript)
	require.Equal(t, domain.CovenantClaimed, claimed.Status)
	require.Equal(t, claimTx.TxHash().String(), claimed.ClaimTxId)

	select {
	case event := <-claimEvents:
		require.Equal(t, covenant.SwapId, event.SwapId)
		require.Equal(t, claimed.ClaimTxId, event.ClaimTxId)
		require.NotEmpty(t, event.MessageId)
	case <-time.After(5 * time.Second):
		t.Fatal("missing claim event")
	}

	// claimed covenants are never swept again
	env.scheduler.tick()
	env.chain.AssertNumberOfCalls(t, "Broadcast", 1)

	info, err := env.svc.GetInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "mocked", info.Backend)
	require.Equal(t, testTipHeight, info.BlockHeight)
	require.Equal(t, 1, info.Covenants[domain.CovenantClaimed])
	require.False(t, info.Degraded)
}

func TestClaimNotification(t *testing.T) {
	fixtures := []struct {
		name   string
		events ports.EventPublisher
	}{
		{name: "through_events_bus", events: watermillevents.NewEventBus()},
		{name: "without_events_bus"},
	}

	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			notifier := &mockedNotifier{}
			notified := make(chan string, 1)
			notifier.On("Notify", mock.Anything, "npub1operator", mock.Anything).
				Run(func(args mock.Arguments) {
					notified <- args.String(2)
				}).
				Return(nil)

			cfg := schedulerConfig
			cfg.NotifyProfile = "npub1operator"
			env := newTestEnv(t, cfg, testDeps{events: f.events, notifier: notifier})
			env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight, nil)
			env.chain.On("Broadcast", mock.Anything, mock.Anything).Return("", nil)
			env.start(t)

			covenant := env.register(t)
			env.chain.txs <- fundingTx(t, covenant.OutputScript, 101_000)
			env.waitStatus(t, covenant.OutputScript, domain.CovenantDetected)

			env.scheduler.tick()

			claimed := env.covenant(t, covenant.OutputScript)
			require.Equal(t, domain.CovenantClaimed, claimed.Status)

			select {
			case message := <-notified:
				require.Contains(t, message, covenant.SwapId)
				require.Contains(t, message, claimed.ClaimTxId)
			case <-time.After(5 * time.Second):
				t.Fatal("claim not notified")
			}
			notifier.AssertNumberOfCalls(t, "Notify", 1)
		})
	}
}

func TestClaimRejected(t *testing.T) {
	env := newTestEnv(t, schedulerConfig, testDeps{})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight, nil)
	env.chain.On("Broadcast", mock.Anything, mock.Anything).Return(
		"", &ports.TxRejectedError{Reason: "bad-txns-inputs-missingorspent"},
	)
	env.start(t)

	covenant := env.register(t)
	env.chain.txs <- fundingTx(t, covenant.OutputScript, 101_000)
	env.waitStatus(t, covenant.OutputScript, domain.CovenantDetected)

	env.scheduler.tick()

	failed := env.covenant(t, covenant.OutputScript)
	require.Equal(t, domain.CovenantFailed, failed.Status)
	require.Contains(t, failed.FailReason, "missingorspent")

	env.scheduler.tick()
	env.chain.AssertNumberOfCalls(t, "Broadcast", 1)
}

func TestClaimRetriedOnNextSweep(t *testing.T) {
	env := newTestEnv(t, schedulerConfig, testDeps{})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight, nil)
	env.chain.On("Broadcast", mock.Anything, mock.Anything).
		Return("", fmt.Errorf("connection refused")).Once()
	env.chain.On("Broadcast", mock.Anything, mock.Anything).Return("", nil)
	env.start(t)

	covenant := env.register(t)
	env.chain.txs <- fundingTx(t, covenant.OutputScript, 101_000)
	env.waitStatus(t, covenant.OutputScript, domain.CovenantDetected)

	env.scheduler.tick()
	require.Equal(t, domain.CovenantDetected, env.covenant(t, covenant.OutputScript).Status)

	env.scheduler.tick()
	require.Equal(t, domain.CovenantClaimed, env.covenant(t, covenant.OutputScript).Status)
	env.chain.AssertNumberOfCalls(t, "Broadcast", 2)
}

func TestDetectionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, schedulerConfig, testDeps{})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight, nil)
	env.start(t)

	covenant := env.register(t)
	funding := fundingTx(t, covenant.OutputScript, 101_000)

	// seen in mempool first, then mined
	env.chain.txs <- funding
	env.waitStatus(t, covenant.OutputScript, domain.CovenantDetected)
	detected := env.covenant(t, covenant.OutputScript)

	env.chain.blocks <- ports.Block{
		Height:       testTipHeight + 1,
		Transactions: []*transaction.Transaction{funding},
	}
	// a second funding of the same script is ignored
	env.chain.txs <- fundingTx(t, covenant.OutputScript, 200_000)

	require.Eventually(t, func() bool {
		return env.svc.syncer.currentCheckpoint() == testTipHeight+1
	}, 5*time.Second, 10*time.Millisecond)

	again := env.covenant(t, covenant.OutputScript)
	require.Equal(t, detected.TxId, again.TxId)
	require.Equal(t, detected.Amount, again.Amount)
	require.Equal(t, detected.TxTime, again.TxTime)
}

func TestSweepTime(t *testing.T) {
	cfg := schedulerConfig
	cfg.SweepTime = 60
	env := newTestEnv(t, cfg, testDeps{})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight, nil)
	env.start(t)

	covenant := env.register(t)
	env.chain.txs <- fundingTx(t, covenant.OutputScript, 101_000)
	env.waitStatus(t, covenant.OutputScript, domain.CovenantDetected)

	env.scheduler.tick()

	require.Equal(t, domain.CovenantDetected, env.covenant(t, covenant.OutputScript).Status)
	env.chain.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything)
}

func TestInstantClaim(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{}, testDeps{})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight, nil)
	env.chain.On("Broadcast", mock.Anything, mock.Anything).Return("", nil)
	env.start(t)

	covenant := env.register(t)
	env.chain.txs <- fundingTx(t, covenant.OutputScript, 101_000)

	env.waitStatus(t, covenant.OutputScript, domain.CovenantClaimed)
	require.Empty(t, env.scheduler.tasks)
}

func TestCatchUp(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Parameters().SetBlockHeight(context.Background(), testTipHeight))

	env := newTestEnv(t, schedulerConfig, testDeps{repo: repo})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight+3, nil)

	covenant := env.register(t)
	funding := fundingTx(t, covenant.OutputScript, 101_000)

	for i := uint64(1); i <= 3; i++ {
		block := &ports.Block{Height: testTipHeight + i}
		if i == 2 {
			block.Transactions = []*transaction.Transaction{funding}
		}
		env.chain.On("GetBlock", mock.Anything, testTipHeight+i).Return(block, nil)
	}

	env.start(t)

	require.Eventually(t, func() bool {
		height, _, err := repo.Parameters().GetBlockHeight(context.Background())
		return err == nil && height == testTipHeight+3
	}, 5*time.Second, 10*time.Millisecond)

	detected := env.covenant(t, covenant.OutputScript)
	require.Equal(t, domain.CovenantDetected, detected.Status)
	require.Equal(t, funding.TxHash().String(), detected.TxId)
	env.chain.AssertNumberOfCalls(t, "GetBlock", 3)
}

func TestCatchUpResumesFromCheckpoint(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Parameters().SetBlockHeight(context.Background(), testTipHeight))

	env := newTestEnv(t, schedulerConfig, testDeps{repo: repo})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight+3, nil)

	var (
		lock    sync.Mutex
		fetched []uint64
	)
	recordFetch := func(args mock.Arguments) {
		lock.Lock()
		defer lock.Unlock()
		fetched = append(fetched, args.Get(1).(uint64))
	}
	block := func(height uint64) *ports.Block {
		return &ports.Block{Height: height}
	}

	env.chain.On("GetBlock", mock.Anything, testTipHeight+1).
		Run(recordFetch).Return(block(testTipHeight+1), nil)
	env.chain.On("GetBlock", mock.Anything, testTipHeight+2).
		Run(recordFetch).Return(nil, errors.New("timeout")).Once()
	env.chain.On("GetBlock", mock.Anything, testTipHeight+2).
		Run(recordFetch).Return(block(testTipHeight+2), nil)
	env.chain.On("GetBlock", mock.Anything, testTipHeight+3).
		Run(recordFetch).Return(block(testTipHeight+3), nil)

	env.start(t)

	// the checkpoint stops right before the block that couldn't be fetched
	require.Eventually(t, func() bool {
		return env.svc.syncer.currentCheckpoint() == testTipHeight+1
	}, 5*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool {
		return env.svc.syncer.currentCheckpoint() > testTipHeight+1
	}, 200*time.Millisecond, 20*time.Millisecond)

	// next live block fills the gap first
	env.chain.blocks <- ports.Block{Height: testTipHeight + 4}

	require.Eventually(t, func() bool {
		height, _, err := repo.Parameters().GetBlockHeight(context.Background())
		return err == nil && height == testTipHeight+4
	}, 5*time.Second, 10*time.Millisecond)

	lock.Lock()
	defer lock.Unlock()
	require.Contains(t, fetched, testTipHeight+2)
	require.NotContains(t, fetched, testTipHeight+4)
}

func TestGetInfoDuringCatchUp(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Parameters().SetBlockHeight(context.Background(), testTipHeight))

	env := newTestEnv(t, schedulerConfig, testDeps{repo: repo})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight+2, nil)

	release := make(chan struct{})
	env.chain.On("GetBlock", mock.Anything, testTipHeight+1).
		Return(&ports.Block{Height: testTipHeight + 1}, nil)
	env.chain.On("GetBlock", mock.Anything, testTipHeight+2).
		Run(func(mock.Arguments) { <-release }).
		Return(&ports.Block{Height: testTipHeight + 2}, nil)

	require.NoError(t, env.svc.Start())
	t.Cleanup(env.svc.Stop)

	require.Eventually(t, func() bool {
		return env.svc.syncer.currentCheckpoint() == testTipHeight+1
	}, 5*time.Second, 10*time.Millisecond)

	// the rescan is stuck on the next block but the service still answers
	infoCh := make(chan *ServiceInfo, 1)
	go func() {
		info, err := env.svc.GetInfo(context.Background())
		if err == nil {
			infoCh <- info
		}
	}()
	select {
	case info := <-infoCh:
		require.Equal(t, testTipHeight+1, info.BlockHeight)
	case <-time.After(time.Second):
		t.Fatal("service info blocked by catch up")
	}

	close(release)
	require.Eventually(t, func() bool {
		return env.svc.syncer.currentCheckpoint() == testTipHeight+2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBatchFallback(t *testing.T) {
	builder := &mockedTxBuilder{}
	env := newTestEnv(t, schedulerConfig, testDeps{builder: builder})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight, nil)
	env.start(t)

	good := env.register(t)
	bad := env.register(t)

	withScripts := func(scripts ...[]byte) interface{} {
		return mock.MatchedBy(func(inputs []ports.ClaimInput) bool {
			if len(inputs) != len(scripts) {
				return false
			}
			for _, in := range inputs {
				found := false
				for _, script := range scripts {
					if bytes.Equal(in.Covenant.OutputScript, script) {
						found = true
					}
				}
				if !found {
					return false
				}
			}
			return true
		})
	}

	builder.On("CanBatch", mock.Anything).Return(true)
	builder.On("BuildClaimTx", withScripts(good.OutputScript, bad.OutputScript)).
		Return("batchtxid", "batchhex", nil)
	builder.On("BuildClaimTx", withScripts(good.OutputScript)).
		Return("goodtxid", "goodhex", nil)
	builder.On("BuildClaimTx", withScripts(bad.OutputScript)).
		Return("badtxid", "badhex", nil)

	rejected := &ports.TxRejectedError{Reason: "bad-txns-inputs-missingorspent"}
	env.chain.On("Broadcast", mock.Anything, "batchhex").Return("", rejected)
	env.chain.On("Broadcast", mock.Anything, "goodhex").Return("", nil)
	env.chain.On("Broadcast", mock.Anything, "badhex").Return("", rejected)

	env.chain.txs <- fundingTx(t, good.OutputScript, 101_000)
	env.chain.txs <- fundingTx(t, bad.OutputScript, 101_000)
	env.waitStatus(t, good.OutputScript, domain.CovenantDetected)
	env.waitStatus(t, bad.OutputScript, domain.CovenantDetected)

	env.scheduler.tick()

	claimed := env.covenant(t, good.OutputScript)
	require.Equal(t, domain.CovenantClaimed, claimed.Status)
	require.Equal(t, "goodtxid", claimed.ClaimTxId)
	require.Equal(t, domain.CovenantFailed, env.covenant(t, bad.OutputScript).Status)

	builder.AssertNumberOfCalls(t, "BuildClaimTx", 3)
}

func TestRelayInsteadOfChain(t *testing.T) {
	relay := &mockedRelay{}
	relay.On("Broadcast", mock.Anything, mock.Anything).Return("", nil)

	cfg := schedulerConfig
	cfg.RelayPolicy = RelayPolicyInstead
	env := newTestEnv(t, cfg, testDeps{relay: relay})
	env.chain.On("GetBlockHeight", mock.Anything).Return(testTipHeight, nil)
	env.start(t)

	covenant := env.register(t)
	env.chain.txs <- fundingTx(t, covenant.OutputScript, 101_000)
	env.waitStatus(t, covenant.OutputScript, domain.CovenantDetected)

	env.scheduler.tick()

	require.Equal(t, domain.CovenantClaimed, env.covenant(t, covenant.OutputScript).Status)
	relay.AssertNumberOfCalls(t, "Broadcast", 1)
	env.chain.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything)
}

type noopUnblinder struct{}

func (noopUnblinder) Unblind(*transaction.TxOutput, []byte) (*ports.UnblindedOutput, error) {
	return nil, fmt.Errorf("not implemented")
}
