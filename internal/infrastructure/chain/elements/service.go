package elements

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/btcsuite/btcd/btcjson"
	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/go-elements/block"
	"github.com/vulpemventures/go-elements/transaction"
)

const (
	name = "elements"

	rawTxTopic    = "rawtx"
	rawBlockTopic = "rawblock"

	defaultBlockPollInterval = 10 * time.Second
)

type Config struct {
	Host       string
	User       string
	Password   string
	CookiePath string

	ZMQRawTx    string
	ZMQRawBlock string

	RequestTimeout time.Duration
	// BlockPollInterval is used only if the node has no rawblock publisher.
	BlockPollInterval time.Duration
}

type service struct {
	rpc    *rpcClient
	config Config

	txs    chan *transaction.Transaction
	blocks chan ports.Block

	lock       sync.Mutex
	lastHeight uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewService(config Config) (ports.ChainBackend, error) {
	if len(config.Host) <= 0 {
		return nil, fmt.Errorf("missing elements rpc host")
	}
	if len(config.CookiePath) <= 0 && (len(config.User) <= 0 || len(config.Password) <= 0) {
		return nil, fmt.Errorf("missing elements rpc cookie file or credentials")
	}
	if config.RequestTimeout <= 0 {
		return nil, fmt.Errorf("invalid request timeout")
	}

	if config.BlockPollInterval <= 0 {
		config.BlockPollInterval = defaultBlockPollInterval
	}

	rpc, err := newRpcClient(config)
	if err != nil {
		return nil, err
	}

	return &service{
		rpc:    rpc,
		config: config,
		txs:    make(chan *transaction.Transaction),
		blocks: make(chan ports.Block),
	}, nil
}

func (s *service) Name() string {
	return name
}

func (s *service) Start(ctx context.Context) error {
	info, err := s.rpc.getNetworkInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to elements node: %w", err)
	}
	log.WithFields(log.Fields{
		"version":    info.Version,
		"subversion": info.Subversion,
	}).Infof("connected to %s node", name)

	height, err := s.rpc.getBlockCount(ctx)
	if err != nil {
		return err
	}

	rawTxEndpoint, rawBlockEndpoint := s.config.ZMQRawTx, s.config.ZMQRawBlock
	if len(rawTxEndpoint) <= 0 || len(rawBlockEndpoint) <= 0 {
		notifications, err := s.rpc.getZmqNotifications(ctx)
		if err != nil {
			return fmt.Errorf("failed to discover zmq endpoints: %w", err)
		}
		for _, n := range notifications {
			switch n.Type {
			case "pub" + rawTxTopic:
				if len(rawTxEndpoint) <= 0 {
					rawTxEndpoint = n.Address
				}
			case "pub" + rawBlockTopic:
				if len(rawBlockEndpoint) <= 0 {
					rawBlockEndpoint = n.Address
				}
			}
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("%s backend already started", name)
	}
	s.lastHeight = height

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if len(rawTxEndpoint) > 0 {
		s.wg.Add(1)
		go s.subscribe(loopCtx, rawTxEndpoint, rawTxTopic, s.onRawTx)
	} else {
		log.Warnf("%s: no rawtx publisher, mempool transactions are not observed", name)
	}

	if len(rawBlockEndpoint) > 0 {
		s.wg.Add(1)
		go s.subscribe(loopCtx, rawBlockEndpoint, rawBlockTopic, s.onRawBlock)
	} else {
		log.Warnf(
			"%s: no rawblock publisher, polling blocks every %s",
			name, s.config.BlockPollInterval,
		)
		s.wg.Add(1)
		go s.pollBlocks(loopCtx)
	}

	log.WithField("height", height).Infof("%s backend started", name)
	return nil
}

func (s *service) Stop() {
	s.lock.Lock()
	cancel := s.cancel
	s.lock.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.rpc.shutdown()
}

func (s *service) Transactions() <-chan *transaction.Transaction {
	return s.txs
}

func (s *service) Blocks() <-chan ports.Block {
	return s.blocks
}

func (s *service) GetBlockHeight(ctx context.Context) (uint64, error) {
	return s.rpc.getBlockCount(ctx)
}

func (s *service) GetBlock(ctx context.Context, height uint64) (*ports.Block, error) {
	hash, err := s.rpc.getBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	blockHex, err := s.rpc.getBlock(ctx, hash)
	if err != nil {
		return nil, err
	}
	b, err := block.NewFromHex(blockHex)
	if err == nil {
		return &ports.Block{
			Height:       height,
			Hash:         hash,
			Transactions: b.TransactionsData.Transactions,
		}, nil
	}

	log.WithError(err).Debugf(
		"%s: failed to parse block %s, fetching its transactions", name, hash,
	)
	txids, err := s.rpc.getBlockTxids(ctx, hash)
	if err != nil {
		return nil, err
	}
	txs := make([]*transaction.Transaction, 0, len(txids))
	for _, txid := range txids {
		tx, err := s.GetTransaction(ctx, txid)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return &ports.Block{
		Height:       height,
		Hash:         hash,
		Transactions: txs,
	}, nil
}

func (s *service) GetTransaction(
	ctx context.Context, txid string,
) (*transaction.Transaction, error) {
	txHex, err := s.rpc.getRawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	tx, err := transaction.NewTxFromHex(txHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tx %s: %w", txid, err)
	}
	return tx, nil
}

func (s *service) Broadcast(ctx context.Context, txHex string) (string, error) {
	txid, err := s.rpc.sendRawTransaction(ctx, txHex)
	if err == nil {
		return txid, nil
	}

	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return "", err
	}

	if rpcErr.Code == btcjson.ErrRPCVerifyAlreadyInChain ||
		ports.IsAlreadyBroadcast(rpcErr.Message) {
		tx, err := transaction.NewTxFromHex(txHex)
		if err != nil {
			return "", err
		}
		return tx.TxHash().String(), nil
	}

	switch rpcErr.Code {
	case btcjson.ErrRPCVerifyRejected, btcjson.ErrRPCVerify, btcjson.ErrRPCDeserialization:
		return "", &ports.TxRejectedError{Reason: rpcErr.Message}
	}
	if ports.IsRejectReason(rpcErr.Message) {
		return "", &ports.TxRejectedError{Reason: rpcErr.Message}
	}
	return "", err
}

func (s *service) onRawTx(ctx context.Context, body []byte) {
	tx, err := transaction.NewTxFromHex(hex.EncodeToString(body))
	if err != nil {
		log.WithError(err).Warnf("%s: failed to parse zmq transaction", name)
		return
	}
	select {
	case s.txs <- tx:
	case <-ctx.Done():
	}
}

// onRawBlock forwards the pushed block when it extends the last known one,
// otherwise it fetches every missing block from the node.
func (s *service) onRawBlock(ctx context.Context, body []byte) {
	tip, err := s.rpc.getBlockCount(ctx)
	if err != nil {
		log.WithError(err).Warnf("%s: failed to get block count", name)
		return
	}

	s.lock.Lock()
	lastHeight := s.lastHeight
	s.lock.Unlock()

	if tip == lastHeight+1 {
		b, err := block.NewFromBuffer(bytes.NewBuffer(body))
		if err == nil {
			hash, err := s.rpc.getBlockHash(ctx, tip)
			if err == nil {
				s.publishBlock(ctx, ports.Block{
					Height:       tip,
					Hash:         hash,
					Transactions: b.TransactionsData.Transactions,
				})
				return
			}
		}
	}

	if err := s.fetchBlocks(ctx, tip); err != nil && ctx.Err() == nil {
		log.WithError(err).Warnf("%s: failed to fetch new blocks", name)
	}
}

func (s *service) pollBlocks(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.BlockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip, err := s.rpc.getBlockCount(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warnf("%s: failed to get block count", name)
				continue
			}
			if err := s.fetchBlocks(ctx, tip); err != nil && ctx.Err() == nil {
				log.WithError(err).Warnf("%s: failed to fetch new blocks", name)
			}
		}
	}
}

func (s *service) fetchBlocks(ctx context.Context, tip uint64) error {
	s.lock.Lock()
	from := s.lastHeight + 1
	s.lock.Unlock()

	for height := from; height <= tip; height++ {
		b, err := s.GetBlock(ctx, height)
		if err != nil {
			return err
		}
		if !s.publishBlock(ctx, *b) {
			return ctx.Err()
		}
	}
	return nil
}

func (s *service) publishBlock(ctx context.Context, b ports.Block) bool {
	select {
	case s.blocks <- b:
	case <-ctx.Done():
		return false
	}

	s.lock.Lock()
	if b.Height > s.lastHeight {
		s.lastHeight = b.Height
	}
	s.lock.Unlock()
	return true
}
