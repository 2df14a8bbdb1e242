package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const rescanProgressStep = 10

// blockSyncer feeds blocks to the matcher strictly in height order and keeps
// the persisted checkpoint, the height of the last fully processed block.
type blockSyncer struct {
	chain       ports.ChainBackend
	params      domain.ParameterRepository
	matcher     *matcher
	storage     *storageGuard
	metrics     ports.Metrics
	concurrency int
	onDetected  func([]domain.Covenant)

	// serializes catch up and live blocks
	lock sync.Mutex
	// read without the lock by GetInfo while a rescan is running
	checkpoint atomic.Uint64
}

type fetchResult struct {
	block *ports.Block
	err   error
}

// catchUp initializes the checkpoint, if missing it's set to the current tip,
// otherwise all blocks from the checkpoint to the tip are scanned.
func (s *blockSyncer) catchUp(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	tip, err := s.chain.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block height: %w", err)
	}

	var (
		height uint64
		found  bool
	)
	if err := s.storage.do(ctx, func() (err error) {
		height, found, err = s.params.GetBlockHeight(ctx)
		return
	}); err != nil {
		return err
	}

	if !found {
		if err := s.setCheckpoint(ctx, tip); err != nil {
			return err
		}
		log.Infof("no block height stored, starting from tip %d", tip)
		return nil
	}

	log.Infof("found block height %d, chain tip at %d", height, tip)
	s.checkpoint.Store(height)
	return s.rescan(ctx, tip)
}

func (s *blockSyncer) currentCheckpoint() uint64 {
	return s.checkpoint.Load()
}

// handleBlock processes a block of the live feed, filling the gap from the
// checkpoint first if needed.
func (s *blockSyncer) handleBlock(ctx context.Context, block ports.Block) {
	s.lock.Lock()
	defer s.lock.Unlock()

	logger := log.WithField("height", block.Height).WithField("hash", block.Hash)

	if block.Height > s.checkpoint.Load()+1 {
		if err := s.rescan(ctx, block.Height-1); err != nil {
			logger.WithError(err).Warn("failed to rescan missing blocks")
			// still look for covenants but leave the checkpoint behind
			if err := s.match(ctx, block); err != nil {
				logger.WithError(err).Warn("failed to process block")
			}
			return
		}
	}

	if block.Height <= s.checkpoint.Load() {
		logger.Debug("processing already scanned block")
		if err := s.match(ctx, block); err != nil {
			logger.WithError(err).Warn("failed to process block")
		}
		return
	}

	if err := s.processBlock(ctx, &block); err != nil {
		logger.WithError(err).Warn("failed to process block")
		return
	}
	logger.Debugf("processed block with %d txs", len(block.Transactions))
}

// rescan processes all blocks in (checkpoint, to]. Blocks are fetched in
// parallel but processed one by one in ascending order, the checkpoint stops
// at the first block that can't be fetched or processed.
func (s *blockSyncer) rescan(ctx context.Context, to uint64) error {
	from := s.checkpoint.Load() + 1
	if from > to {
		return nil
	}
	count := int(to - from + 1)

	log.Infof("rescanning %d blocks from height %d", count, from)

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]chan fetchResult, count)
	for i := range results {
		results[i] = make(chan fetchResult, 1)
	}

	// a slot is released once the block is processed, so that at most
	// concurrency blocks are held in memory
	slots := make(chan struct{}, s.concurrency)
	go func() {
		for i := range results {
			select {
			case slots <- struct{}{}:
			case <-fetchCtx.Done():
				return
			}
			go func(i int) {
				block, err := s.chain.GetBlock(fetchCtx, from+uint64(i))
				results[i] <- fetchResult{block, err}
			}(i)
		}
	}()

	for i := range results {
		var res fetchResult
		select {
		case res = <-results[i]:
			<-slots
		case <-ctx.Done():
			return ctx.Err()
		}

		height := from + uint64(i)
		if res.err != nil {
			return fmt.Errorf("failed to fetch block %d: %w", height, res.err)
		}
		if err := s.processBlock(ctx, res.block); err != nil {
			return fmt.Errorf("failed to process block %d: %w", height, err)
		}

		if processed := i + 1; processed%rescanProgressStep == 0 || processed == count {
			log.Infof("rescan progress: %.2f%%", float64(processed)/float64(count)*100)
		}
	}

	log.Infof("rescanned to height %d", to)
	return nil
}

func (s *blockSyncer) processBlock(ctx context.Context, block *ports.Block) error {
	if err := s.match(ctx, *block); err != nil {
		return err
	}
	return s.setCheckpoint(ctx, block.Height)
}

func (s *blockSyncer) match(ctx context.Context, block ports.Block) error {
	detected, err := s.matcher.matchBlock(ctx, block.Transactions)
	if len(detected) > 0 && s.onDetected != nil {
		s.onDetected(detected)
	}
	return err
}

func (s *blockSyncer) setCheckpoint(ctx context.Context, height uint64) error {
	if err := s.storage.do(ctx, func() error {
		return s.params.SetBlockHeight(ctx, height)
	}); err != nil {
		return fmt.Errorf("failed to store block height: %w", err)
	}
	s.checkpoint.Store(height)
	s.metrics.BlockProcessed(height)
	return nil
}
