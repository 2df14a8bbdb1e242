package application

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/go-elements/network"
)

const (
	defaultMaxBatchSize      = 10
	defaultRescanConcurrency = 15
)

type service struct {
	network *network.Network
	cfg     ServiceConfig

	repoManager ports.RepoManager
	chain       ports.ChainBackend
	events      ports.EventPublisher
	metrics     ports.Metrics

	storage *storageGuard
	matcher *matcher
	syncer  *blockSyncer
	sweeper *sweeper
	claimer *claimer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the claim pipeline. relay, notifier, events and metrics
// are optional.
func NewService(
	net *network.Network, cfg ServiceConfig,
	repoManager ports.RepoManager, chain ports.ChainBackend, relay ports.TxRelay,
	builder ports.TxBuilder, unblinder ports.Unblinder, scheduler ports.SchedulerService,
	notifier ports.Notifier, events ports.EventPublisher, metrics ports.Metrics,
) (Service, error) {
	if net == nil {
		return nil, fmt.Errorf("missing network")
	}
	if repoManager == nil || chain == nil || builder == nil || unblinder == nil {
		return nil, fmt.Errorf("missing service dependencies")
	}
	if cfg.SweepTime < 0 || cfg.SweepInterval < 0 {
		return nil, fmt.Errorf("sweep time and interval must not be negative")
	}
	if cfg.SweepInterval > 0 && scheduler == nil {
		return nil, fmt.Errorf("missing scheduler")
	}
	if cfg.RelayPolicy != "" &&
		cfg.RelayPolicy != RelayPolicyAlso && cfg.RelayPolicy != RelayPolicyInstead {
		return nil, fmt.Errorf("invalid relay policy %s", cfg.RelayPolicy)
	}

	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.RescanConcurrency <= 0 {
		cfg.RescanConcurrency = defaultRescanConcurrency
	}
	if cfg.MatcherWorkers <= 0 {
		cfg.MatcherWorkers = runtime.NumCPU()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	storage := newStorageGuard(cfg.DbMaxRetries)
	covenants := repoManager.Covenants()

	svc := &service{
		network:     net,
		cfg:         cfg,
		repoManager: repoManager,
		chain:       chain,
		events:      events,
		metrics:     metrics,
		storage:     storage,
	}

	svc.matcher = newMatcher(
		covenants, unblinder, metrics, storage, net.AssetID, cfg.MatcherWorkers,
	)
	svc.claimer = &claimer{
		repo:          covenants,
		chain:         chain,
		builder:       builder,
		broadcaster:   newBroadcaster(chain, relay, cfg.RelayPolicy, cfg.BroadcastMaxRetries, metrics),
		storage:       storage,
		events:        events,
		notifier:      notifier,
		notifyProfile: cfg.NotifyProfile,
		metrics:       metrics,
		maxBatchSize:  cfg.MaxBatchSize,
	}
	svc.sweeper = &sweeper{
		repo:      covenants,
		scheduler: scheduler,
		storage:   storage,
		sweepTime: time.Duration(cfg.SweepTime) * time.Second,
		interval:  cfg.SweepInterval,
		claim:     svc.claimer.claim,
	}
	svc.syncer = &blockSyncer{
		chain:       chain,
		params:      repoManager.Parameters(),
		matcher:     svc.matcher,
		storage:     storage,
		metrics:     metrics,
		concurrency: cfg.RescanConcurrency,
		onDetected:  svc.onDetected,
	}

	return svc, nil
}

func (s *service) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	log.Debugf("starting %s chain backend", s.chain.Name())
	if err := s.chain.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start chain backend: %s", err)
	}

	if s.events != nil {
		if err := s.events.SubscribeClaims(s.ctx, s.onClaimEvent); err != nil {
			return fmt.Errorf("failed to subscribe to claim events: %s", err)
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.matcher.run(s.ctx, s.chain.Transactions(), s.onDetected)
	}()
	go func() {
		defer s.wg.Done()
		s.listenToBlocks()
	}()

	log.Debug("starting sweeper")
	if err := s.sweeper.start(s.ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %s", err)
	}
	if s.isInstantMode() {
		// claim what was left detected before last shutdown
		s.goSweep()
	}

	log.Debug("started app service")
	return nil
}

func (s *service) Stop() {
	s.sweeper.stop()
	log.Debug("stopped sweeper")

	if s.cancel != nil {
		s.cancel()
	}
	s.chain.Stop()
	log.Debugf("stopped %s chain backend", s.chain.Name())

	// in-flight registry writes complete before the db is closed
	s.wg.Wait()

	if s.events != nil {
		if err := s.events.Close(); err != nil {
			log.WithError(err).Warn("failed to close events publisher")
		}
	}
	s.repoManager.Close()
	log.Debug("closed connection to db")
}

func (s *service) GetInfo(ctx context.Context) (*ServiceInfo, error) {
	var counts map[domain.CovenantStatus]int
	err := s.storage.do(ctx, func() (err error) {
		counts, err = s.repoManager.Covenants().CountByStatus(ctx)
		return
	})
	if err != nil {
		log.WithError(err).Warn("failed to count covenants")
	}

	return &ServiceInfo{
		Backend:     s.chain.Name(),
		BlockHeight: s.syncer.currentCheckpoint(),
		Covenants:   counts,
		Degraded:    s.storage.isDegraded(),
	}, nil
}

func (s *service) listenToBlocks() {
	if err := s.syncer.catchUp(s.ctx); err != nil {
		log.WithError(err).Error("failed to catch up with the chain, blocks will be rescanned on next block")
	}

	blocks := s.chain.Blocks()
	for {
		select {
		case <-s.ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}
			s.syncer.handleBlock(s.ctx, block)
			if s.isInstantMode() {
				// retry the claims that failed so far
				s.goSweep()
			}
		}
	}
}

// onDetected claims the detected covenants right away if no sweep interval nor
// delay is configured. With a delay they are claimed by the sweep following a
// new block.
func (s *service) onDetected(covenants []domain.Covenant) {
	if !s.isInstantMode() || s.cfg.SweepTime > 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.claimer.claim(s.ctx, covenants)
	}()
}

func (s *service) onClaimEvent(event ports.ClaimEvent) {
	log.WithField("swap", event.SwapId).
		WithField("message", event.MessageId).
		Debugf("claim event for tx %s", event.ClaimTxId)
	s.claimer.notifyClaim(s.ctx, event)
}

func (s *service) goSweep() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweeper.sweep(s.ctx)
	}()
}

func (s *service) isInstantMode() bool {
	return s.cfg.SweepInterval <= 0
}

type noopMetrics struct{}

func (noopMetrics) CovenantRegistered()   {}
func (noopMetrics) CovenantDetected()     {}
func (noopMetrics) CovenantsClaimed(int)  {}
func (noopMetrics) CovenantsFailed(int)   {}
func (noopMetrics) BroadcastRetried()     {}
func (noopMetrics) BlockProcessed(uint64) {}
