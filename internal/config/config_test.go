package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-elements/network"
)

func TestLoadConfig(t *testing.T) {
	datadir := t.TempDir()
	t.Setenv("COVCLAIM_DATADIR", datadir)
	t.Setenv("COVCLAIM_DB_TYPE", "badger")
	t.Setenv("COVCLAIM_CHAIN_BACKEND", "esplora")
	t.Setenv("COVCLAIM_ESPLORA_ENDPOINT", "http://localhost:3001")
	t.Setenv("COVCLAIM_NOSTR_RELAYS", "wss://relay.damus.io, wss://nos.lol,")
	t.Setenv("COVCLAIM_SWEEP_INTERVAL", "0")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, datadir, cfg.Datadir)
	require.Equal(t, "regtest", cfg.Network)
	require.Equal(t, "127.0.0.1:1234", cfg.ApiAddress())
	require.Equal(t, int64(120), cfg.SweepTime)
	require.Zero(t, cfg.SweepInterval)
	require.Equal(t, 0.1, cfg.FeeRate)
	require.Equal(t, []string{"wss://relay.damus.io", "wss://nos.lol"}, cfg.NostrRelays)

	require.NoError(t, cfg.Validate())
	t.Cleanup(cfg.repo.Close)

	require.Equal(t, &network.Regtest, cfg.NetworkParams())
	require.NotNil(t, cfg.MetricsRegistry())
	require.Nil(t, cfg.scheduler)
	require.Nil(t, cfg.relay)
	require.Nil(t, cfg.notifier)

	svc, err := cfg.AppService()
	require.NoError(t, err)
	require.NotNil(t, svc)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DbType:              "badger",
			DbDir:               t.TempDir(),
			Network:             "regtest",
			ApiHost:             "127.0.0.1",
			ApiPort:             uint32(DefaultApiPort),
			RequestTimeout:      time.Duration(defaultRequestTimeout) * time.Second,
			SweepTime:           int64(defaultSweepTime),
			SweepInterval:       int64(defaultSweepInterval),
			MaxBatchSize:        defaultMaxBatchSize,
			FeeRate:             defaultFeeRate,
			RescanConcurrency:   defaultRescanConcurrency,
			ChainBackend:        "esplora",
			EsploraEndpoint:     "http://localhost:3001",
			EsploraPollInterval: time.Duration(defaultEsploraPollInterval) * time.Second,
			RelayPolicy:         defaultRelayPolicy,
		}
	}

	fixtures := []struct {
		name   string
		tamper func(c *Config)
	}{
		{"unknown_db", func(c *Config) { c.DbType = "postgres" }},
		{"unknown_chain_backend", func(c *Config) { c.ChainBackend = "electrum" }},
		{"unknown_network", func(c *Config) { c.Network = "signet" }},
		{"negative_sweep_time", func(c *Config) { c.SweepTime = -1 }},
		{"negative_sweep_interval", func(c *Config) { c.SweepInterval = -1 }},
		{"zero_batch_size", func(c *Config) { c.MaxBatchSize = 0 }},
		{"zero_fee_rate", func(c *Config) { c.FeeRate = 0 }},
		{"zero_request_timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"missing_api_port", func(c *Config) { c.ApiPort = 0 }},
		{
			"invalid_relay_policy",
			func(c *Config) {
				c.RelayUrl = "http://localhost:9001"
				c.RelayPolicy = "always"
			},
		},
		{"invalid_claim_key", func(c *Config) { c.ClaimPrivateKey = "00ff" }},
		{"missing_elements_host", func(c *Config) { c.ChainBackend = "elements" }},
		{"missing_esplora_endpoint", func(c *Config) { c.EsploraEndpoint = "" }},
		{"invalid_nostr_relay", func(c *Config) {
			c.NostrNotifyProfile = "nprofile1qqs"
			c.NostrRelays = []string{"not a url"}
		}},
	}
	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			cfg := valid()
			f.tamper(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			if cfg.repo != nil {
				cfg.repo.Close()
			}
		})
	}
}
