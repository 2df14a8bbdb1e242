package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ark-network/covclaim/internal/core/application"
	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/ark-network/covclaim/internal/infrastructure/chain/elements"
	"github.com/ark-network/covclaim/internal/infrastructure/chain/esplora"
	"github.com/ark-network/covclaim/internal/infrastructure/db"
	watermillevents "github.com/ark-network/covclaim/internal/infrastructure/events/watermill"
	prometheusmetrics "github.com/ark-network/covclaim/internal/infrastructure/metrics/prometheus"
	nostr_notifier "github.com/ark-network/covclaim/internal/infrastructure/notifier/nostr"
	"github.com/ark-network/covclaim/internal/infrastructure/relay/boltz"
	timescheduler "github.com/ark-network/covclaim/internal/infrastructure/scheduler/gocron"
	txbuilder "github.com/ark-network/covclaim/internal/infrastructure/tx-builder/covenant"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/vulpemventures/go-elements/network"
)

var (
	supportedDbs = supportedType{
		"badger": {},
		"sqlite": {},
	}
	supportedChainBackends = supportedType{
		"elements": {},
		"esplora":  {},
	}
	supportedNetworks = map[string]*network.Network{
		"mainnet": &network.Liquid,
		"testnet": &network.Testnet,
		"regtest": &network.Regtest,
	}
	supportedRelayPolicies = supportedType{
		application.RelayPolicyAlso:    {},
		application.RelayPolicyInstead: {},
	}
)

type Config struct {
	Datadir        string
	DbType         string
	DbDir          string
	LogLevel       int
	Network        string
	ApiHost        string
	ApiPort        uint32
	RequestTimeout time.Duration

	SweepTime           int64
	SweepInterval       int64
	MaxBatchSize        int
	FeeRate             float64
	BroadcastMaxRetries uint64
	RescanConcurrency   int
	MatcherWorkers      int
	DbMaxRetries        uint64

	ChainBackend        string
	ElementsHost        string
	ElementsPort        uint32
	ElementsCookie      string
	ElementsUser        string
	ElementsPassword    string
	ElementsZMQRawTx    string
	ElementsZMQRawBlock string

	EsploraEndpoint             string
	EsploraPollInterval         time.Duration
	EsploraMaxRequestsPerSecond float64

	RelayUrl        string
	RelayPolicy     string
	ClaimPrivateKey string

	NostrNotifyProfile string
	NostrRelays        []string

	repo      ports.RepoManager
	chain     ports.ChainBackend
	relay     ports.TxRelay
	txBuilder ports.TxBuilder
	scheduler ports.SchedulerService
	notifier  ports.Notifier
	events    ports.EventPublisher
	metrics   ports.Metrics
	registry  *prometheus.Registry
	network   *network.Network
	svc       application.Service
}

func (c *Config) String() string {
	clone := *c
	if clone.ElementsPassword != "" {
		clone.ElementsPassword = "***"
	}
	if clone.ClaimPrivateKey != "" {
		clone.ClaimPrivateKey = "***"
	}
	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	Datadir                     = "DATADIR"
	DbType                      = "DB_TYPE"
	LogLevel                    = "LOG_LEVEL"
	Network                     = "NETWORK"
	ApiHost                     = "API_HOST"
	ApiPort                     = "API_PORT"
	SweepTime                   = "SWEEP_TIME"
	SweepInterval               = "SWEEP_INTERVAL"
	ChainBackend                = "CHAIN_BACKEND"
	ElementsHost                = "ELEMENTS_HOST"
	ElementsPort                = "ELEMENTS_PORT"
	ElementsCookie              = "ELEMENTS_COOKIE"
	ElementsUser                = "ELEMENTS_USER"
	ElementsPassword            = "ELEMENTS_PASSWORD"
	ElementsZMQRawTx            = "ELEMENTS_ZMQ_RAWTX"
	ElementsZMQRawBlock         = "ELEMENTS_ZMQ_RAWBLOCK"
	EsploraEndpoint             = "ESPLORA_ENDPOINT"
	EsploraPollInterval         = "ESPLORA_POLL_INTERVAL"
	EsploraMaxRequestsPerSecond = "ESPLORA_MAX_REQUESTS_PER_SECOND"
	RelayUrl                    = "RELAY_URL"
	RelayPolicy                 = "RELAY_POLICY"
	ClaimPrivateKey             = "CLAIM_PRIVATE_KEY"
	MaxBatchSize                = "MAX_BATCH_SIZE"
	FeeRate                     = "FEE_RATE"
	RequestTimeout              = "REQUEST_TIMEOUT"
	BroadcastMaxRetries         = "BROADCAST_MAX_RETRIES"
	RescanConcurrency           = "RESCAN_CONCURRENCY"
	NostrNotifyProfile          = "NOSTR_NOTIFY_PROFILE"
	NostrRelays                 = "NOSTR_RELAYS"
	MatcherWorkers              = "MATCHER_WORKERS"
	DbMaxRetries                = "DB_MAX_RETRIES"

	defaultDatadir                     = btcutil.AppDataDir("covclaimd", false)
	defaultDbType                      = "sqlite"
	defaultLogLevel                    = 4
	defaultNetwork                     = "regtest"
	defaultApiHost                     = "127.0.0.1"
	DefaultApiPort                     = 1234
	defaultSweepTime                   = 120
	defaultSweepInterval               = 30
	defaultChainBackend                = "elements"
	defaultEsploraPollInterval         = 10
	defaultEsploraMaxRequestsPerSecond = 4
	defaultRelayPolicy                 = application.RelayPolicyInstead
	defaultMaxBatchSize                = 10
	defaultFeeRate                     = 0.1
	defaultRequestTimeout              = 15
	defaultBroadcastMaxRetries         = 5
	defaultRescanConcurrency           = 15
	defaultDbMaxRetries                = 3
)

func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix("COVCLAIM")
	viper.AutomaticEnv()

	viper.SetDefault(Datadir, defaultDatadir)
	viper.SetDefault(DbType, defaultDbType)
	viper.SetDefault(LogLevel, defaultLogLevel)
	viper.SetDefault(Network, defaultNetwork)
	viper.SetDefault(ApiHost, defaultApiHost)
	viper.SetDefault(ApiPort, DefaultApiPort)
	viper.SetDefault(SweepTime, defaultSweepTime)
	viper.SetDefault(SweepInterval, defaultSweepInterval)
	viper.SetDefault(ChainBackend, defaultChainBackend)
	viper.SetDefault(EsploraPollInterval, defaultEsploraPollInterval)
	viper.SetDefault(EsploraMaxRequestsPerSecond, defaultEsploraMaxRequestsPerSecond)
	viper.SetDefault(RelayPolicy, defaultRelayPolicy)
	viper.SetDefault(MaxBatchSize, defaultMaxBatchSize)
	viper.SetDefault(FeeRate, defaultFeeRate)
	viper.SetDefault(RequestTimeout, defaultRequestTimeout)
	viper.SetDefault(BroadcastMaxRetries, defaultBroadcastMaxRetries)
	viper.SetDefault(RescanConcurrency, defaultRescanConcurrency)
	viper.SetDefault(MatcherWorkers, runtime.NumCPU())
	viper.SetDefault(DbMaxRetries, defaultDbMaxRetries)

	if err := initDatadir(); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}

	return &Config{
		Datadir:        viper.GetString(Datadir),
		DbType:         viper.GetString(DbType),
		DbDir:          filepath.Join(viper.GetString(Datadir), "db"),
		LogLevel:       viper.GetInt(LogLevel),
		Network:        viper.GetString(Network),
		ApiHost:        viper.GetString(ApiHost),
		ApiPort:        viper.GetUint32(ApiPort),
		RequestTimeout: time.Duration(viper.GetInt64(RequestTimeout)) * time.Second,

		SweepTime:           viper.GetInt64(SweepTime),
		SweepInterval:       viper.GetInt64(SweepInterval),
		MaxBatchSize:        viper.GetInt(MaxBatchSize),
		FeeRate:             viper.GetFloat64(FeeRate),
		BroadcastMaxRetries: viper.GetUint64(BroadcastMaxRetries),
		RescanConcurrency:   viper.GetInt(RescanConcurrency),
		MatcherWorkers:      viper.GetInt(MatcherWorkers),
		DbMaxRetries:        viper.GetUint64(DbMaxRetries),

		ChainBackend:        viper.GetString(ChainBackend),
		ElementsHost:        viper.GetString(ElementsHost),
		ElementsPort:        viper.GetUint32(ElementsPort),
		ElementsCookie:      viper.GetString(ElementsCookie),
		ElementsUser:        viper.GetString(ElementsUser),
		ElementsPassword:    viper.GetString(ElementsPassword),
		ElementsZMQRawTx:    viper.GetString(ElementsZMQRawTx),
		ElementsZMQRawBlock: viper.GetString(ElementsZMQRawBlock),

		EsploraEndpoint: viper.GetString(EsploraEndpoint),
		EsploraPollInterval: time.Duration(
			viper.GetInt64(EsploraPollInterval),
		) * time.Second,
		EsploraMaxRequestsPerSecond: viper.GetFloat64(EsploraMaxRequestsPerSecond),

		RelayUrl:        viper.GetString(RelayUrl),
		RelayPolicy:     viper.GetString(RelayPolicy),
		ClaimPrivateKey: viper.GetString(ClaimPrivateKey),

		NostrNotifyProfile: viper.GetString(NostrNotifyProfile),
		NostrRelays:        parseList(viper.GetString(NostrRelays)),
	}, nil
}

func initDatadir() error {
	datadir := viper.GetString(Datadir)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

func parseList(str string) []string {
	list := make([]string, 0)
	for _, s := range strings.Split(str, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	return list
}

// Validate checks the config and builds all the services the app service
// depends on.
func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedChainBackends.supports(c.ChainBackend) {
		return fmt.Errorf(
			"chain backend not supported, please select one of: %s", supportedChainBackends,
		)
	}
	netParams, ok := supportedNetworks[c.Network]
	if !ok {
		return fmt.Errorf("network not supported, please select one of: mainnet | testnet | regtest")
	}
	if c.SweepTime < 0 {
		return fmt.Errorf("invalid sweep time, must not be negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("invalid sweep interval, must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout, must be at least 1 second")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max batch size, must be greater than 0")
	}
	if c.FeeRate <= 0 {
		return fmt.Errorf("invalid fee rate, must be greater than 0")
	}
	if c.RescanConcurrency <= 0 {
		return fmt.Errorf("invalid rescan concurrency, must be greater than 0")
	}
	if len(c.RelayUrl) > 0 && !supportedRelayPolicies.supports(c.RelayPolicy) {
		return fmt.Errorf(
			"relay policy not supported, please select one of: %s", supportedRelayPolicies,
		)
	}
	if c.ApiPort == 0 {
		return fmt.Errorf("invalid api port")
	}
	c.network = netParams

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.chainService(); err != nil {
		return err
	}
	if err := c.relayService(); err != nil {
		return err
	}
	if err := c.txBuilderService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	if err := c.notifierService(); err != nil {
		return err
	}
	if err := c.eventsService(); err != nil {
		return err
	}
	if err := c.metricsService(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AppService() (application.Service, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

// MetricsRegistry is the registry exposed at /metrics.
func (c *Config) MetricsRegistry() *prometheus.Registry {
	return c.registry
}

func (c *Config) NetworkParams() *network.Network {
	return c.network
}

func (c *Config) ApiAddress() string {
	return net.JoinHostPort(c.ApiHost, fmt.Sprintf("%d", c.ApiPort))
}

func (c *Config) repoManager() error {
	var dataStoreConfig []interface{}
	switch c.DbType {
	case "badger":
		logger := log.New()
		logger.SetLevel(log.Level(c.LogLevel))
		dataStoreConfig = []interface{}{c.DbDir, logger}
	case "sqlite":
		dataStoreConfig = []interface{}{c.DbDir}
	default:
		return fmt.Errorf("unknown db type")
	}
	if err := makeDirectoryIfNotExists(c.DbDir); err != nil {
		return fmt.Errorf("error while creating db dir: %s", err)
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   c.DbType,
		DataStoreConfig: dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) chainService() error {
	var svc ports.ChainBackend
	var err error
	switch c.ChainBackend {
	case "elements":
		if len(c.ElementsHost) <= 0 || c.ElementsPort == 0 {
			return fmt.Errorf("missing elements rpc host or port")
		}
		svc, err = elements.NewService(elements.Config{
			Host:           net.JoinHostPort(c.ElementsHost, fmt.Sprintf("%d", c.ElementsPort)),
			User:           c.ElementsUser,
			Password:       c.ElementsPassword,
			CookiePath:     c.ElementsCookie,
			ZMQRawTx:       c.ElementsZMQRawTx,
			ZMQRawBlock:    c.ElementsZMQRawBlock,
			RequestTimeout: c.RequestTimeout,
		})
	case "esplora":
		svc, err = esplora.NewService(esplora.Config{
			Endpoint:             c.EsploraEndpoint,
			PollInterval:         c.EsploraPollInterval,
			MaxRequestsPerSecond: c.EsploraMaxRequestsPerSecond,
			RequestTimeout:       c.RequestTimeout,
		})
	default:
		err = fmt.Errorf("unknown chain backend")
	}
	if err != nil {
		return err
	}

	c.chain = svc
	return nil
}

func (c *Config) relayService() error {
	if len(c.RelayUrl) <= 0 {
		return nil
	}

	svc, err := boltz.NewRelay(c.RelayUrl, c.RequestTimeout)
	if err != nil {
		return err
	}
	c.relay = svc
	return nil
}

func (c *Config) txBuilderService() error {
	var claimKey *btcec.PrivateKey
	if len(c.ClaimPrivateKey) > 0 {
		buf, err := hex.DecodeString(c.ClaimPrivateKey)
		if err != nil || len(buf) != 32 {
			return fmt.Errorf("invalid claim private key, must be 32 bytes in hex format")
		}
		claimKey, _ = btcec.PrivKeyFromBytes(buf)
	}

	svc, err := txbuilder.NewTxBuilder(c.network, claimKey, c.FeeRate)
	if err != nil {
		return err
	}
	c.txBuilder = svc
	return nil
}

func (c *Config) schedulerService() error {
	// covenants are claimed on detection, nothing to schedule
	if c.SweepInterval == 0 {
		return nil
	}
	c.scheduler = timescheduler.NewScheduler()
	return nil
}

func (c *Config) notifierService() error {
	if len(c.NostrNotifyProfile) <= 0 {
		return nil
	}

	svc, err := nostr_notifier.New(c.NostrRelays)
	if err != nil {
		return err
	}
	c.notifier = svc
	return nil
}

func (c *Config) eventsService() error {
	c.events = watermillevents.NewEventBus()
	return nil
}

func (c *Config) metricsService() error {
	registry := prometheus.NewRegistry()
	svc, err := prometheusmetrics.NewMetrics(registry)
	if err != nil {
		return err
	}
	c.registry = registry
	c.metrics = svc
	return nil
}

func (c *Config) appService() error {
	svc, err := application.NewService(
		c.network,
		application.ServiceConfig{
			SweepTime:           c.SweepTime,
			SweepInterval:       c.SweepInterval,
			MaxBatchSize:        c.MaxBatchSize,
			BroadcastMaxRetries: c.BroadcastMaxRetries,
			RescanConcurrency:   c.RescanConcurrency,
			MatcherWorkers:      c.MatcherWorkers,
			DbMaxRetries:        c.DbMaxRetries,
			RelayPolicy:         c.RelayPolicy,
			NotifyProfile:       c.NostrNotifyProfile,
		},
		c.repo, c.chain, c.relay, c.txBuilder, txbuilder.NewUnblinder(),
		c.scheduler, c.notifier, c.events, c.metrics,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
