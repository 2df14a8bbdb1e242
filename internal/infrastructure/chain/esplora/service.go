package esplora

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ark-network/covclaim/internal/core/ports"
	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/go-elements/transaction"
)

const name = "esplora"

type Config struct {
	Endpoint             string
	PollInterval         time.Duration
	MaxRequestsPerSecond float64
	RequestTimeout       time.Duration
}

type service struct {
	client       *esploraClient
	pollInterval time.Duration

	txs    chan *transaction.Transaction
	blocks chan ports.Block

	lock       sync.Mutex
	lastHeight uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewService(config Config) (ports.ChainBackend, error) {
	if len(config.Endpoint) <= 0 {
		return nil, fmt.Errorf("missing esplora endpoint")
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("invalid poll interval")
	}
	if config.MaxRequestsPerSecond < 0 {
		return nil, fmt.Errorf("invalid max requests per second")
	}
	if config.RequestTimeout <= 0 {
		return nil, fmt.Errorf("invalid request timeout")
	}

	return &service{
		client: &esploraClient{
			url:     strings.TrimSuffix(config.Endpoint, "/"),
			client:  &http.Client{},
			limiter: newLimiter(config.MaxRequestsPerSecond),
			timeout: config.RequestTimeout,
		},
		pollInterval: config.PollInterval,
		txs:          make(chan *transaction.Transaction),
		blocks:       make(chan ports.Block),
	}, nil
}

func (s *service) Name() string {
	return name
}

func (s *service) Start(ctx context.Context) error {
	height, err := s.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to esplora: %w", err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("esplora backend already started")
	}

	s.lastHeight = height
	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.poll(pollCtx)

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
}

// Transactions is idle, the explorer only feeds confirmed blocks.
func (s *service) Transactions() <-chan *transaction.Transaction {
	return s.txs
}

func (s *service) Blocks() <-chan ports.Block {
	return s.blocks
}

func (s *service) GetBlockHeight(ctx context.Context) (uint64, error) {
	return s.client.getTipHeight(ctx)
}

// GetBlock may take several requests, each bounded by the request timeout.
func (s *service) GetBlock(ctx context.Context, height uint64) (*ports.Block, error) {
	hash, err := s.client.getBlockHash(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("failed to get hash of block %d: %w", height, err)
	}
	txs, err := s.client.getBlockTransactions(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hash, err)
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
	return s.client.getTx(ctx, txid)
}

func (s *service) Broadcast(ctx context.Context, txHex string) (string, error) {
	txid, err := s.client.broadcast(ctx, txHex)
	if err == nil {
		return txid, nil
	}

	var httpErr *httpError
	if !errors.As(err, &httpErr) {
		return "", err
	}
	if ports.IsAlreadyBroadcast(httpErr.message) {
		tx, err := transaction.NewTxFromHex(txHex)
		if err != nil {
			return "", err
		}
		return tx.TxHash().String(), nil
	}
	// 4xx replies are final, except for rate limiting
	if httpErr.statusCode < 500 && httpErr.statusCode != http.StatusTooManyRequests {
		return "", &ports.TxRejectedError{Reason: httpErr.message}
	}
	return "", err
}

func (s *service) poll(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.fetchNewBlocks(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warnf("%s: failed to poll new blocks", name)
			}
		}
	}
}

func (s *service) fetchNewBlocks(ctx context.Context) error {
	tip, err := s.GetBlockHeight(ctx)
	if err != nil {
		return err
	}

	s.lock.Lock()
	from := s.lastHeight + 1
	s.lock.Unlock()

	for height := from; height <= tip; height++ {
		b, err := s.GetBlock(ctx, height)
		if err != nil {
			return err
		}

		select {
		case s.blocks <- *b:
		case <-ctx.Done():
			return ctx.Err()
		}

		s.lock.Lock()
		s.lastHeight = height
		s.lock.Unlock()
	}
	return nil
}
