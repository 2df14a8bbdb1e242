package application

import (
	"context"
	"sync"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/stretchr/testify/mock"
	"github.com/vulpemventures/go-elements/transaction"
)

type mockedChain struct {
	mock.Mock
	txs    chan *transaction.Transaction
	blocks chan ports.Block
}

func newMockedChain() *mockedChain {
	return &mockedChain{
		txs:    make(chan *transaction.Transaction),
		blocks: make(chan ports.Block),
	}
}

func (m *mockedChain) Name() string {
	return "mocked"
}

func (m *mockedChain) Start(_ context.Context) error {
	return nil
}

func (m *mockedChain) Stop() {}

func (m *mockedChain) Transactions() <-chan *transaction.Transaction {
	return m.txs
}

func (m *mockedChain) Blocks() <-chan ports.Block {
	return m.blocks
}

func (m *mockedChain) GetBlockHeight(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)

	var res uint64
	if a := args.Get(0); a != nil {
		res = a.(uint64)
	}
	return res, args.Error(1)
}

func (m *mockedChain) GetBlock(ctx context.Context, height uint64) (*ports.Block, error) {
	args := m.Called(ctx, height)

	var res *ports.Block
	if a := args.Get(0); a != nil {
		res = a.(*ports.Block)
	}
	return res, args.Error(1)
}

func (m *mockedChain) GetTransaction(
	ctx context.Context, txid string,
) (*transaction.Transaction, error) {
	args := m.Called(ctx, txid)

	var res *transaction.Transaction
	if a := args.Get(0); a != nil {
		res = a.(*transaction.Transaction)
	}
	return res, args.Error(1)
}

func (m *mockedChain) Broadcast(ctx context.Context, txHex string) (string, error) {
	args := m.Called(ctx, txHex)
	return args.String(0), args.Error(1)
}

type mockedRelay struct {
	mock.Mock
}

func (m *mockedRelay) Broadcast(ctx context.Context, txHex string) (string, error) {
	args := m.Called(ctx, txHex)
	return args.String(0), args.Error(1)
}

type mockedNotifier struct {
	mock.Mock
}

func (m *mockedNotifier) Notify(ctx context.Context, to any, message string) error {
	args := m.Called(ctx, to, message)
	return args.Error(0)
}

type mockedTxBuilder struct {
	mock.Mock
}

func (m *mockedTxBuilder) CanBatch(covenant domain.Covenant) bool {
	args := m.Called(covenant)
	return args.Bool(0)
}

func (m *mockedTxBuilder) BuildClaimTx(inputs []ports.ClaimInput) (string, string, error) {
	args := m.Called(inputs)
	return args.String(0), args.String(1), args.Error(2)
}

// mockedScheduler runs the scheduled tasks only when ticked.
type mockedScheduler struct {
	lock  sync.Mutex
	tasks []func()
}

func (m *mockedScheduler) Start() {}

func (m *mockedScheduler) Stop() {}

func (m *mockedScheduler) ScheduleTask(_ int64, _ bool, task func()) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockedScheduler) tick() {
	m.lock.Lock()
	tasks := append([]func(){}, m.tasks...)
	m.lock.Unlock()

	for _, task := range tasks {
		task()
	}
}
