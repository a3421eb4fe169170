package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiteflow/optionsrt/internal/config"
)

func TestStatusAddr(t *testing.T) {
	cases := map[string]string{
		":8765":                "http://127.0.0.1:8765",
		"0.0.0.0:8765":         "http://0.0.0.0:8765",
		"status.internal:9000": "http://status.internal:9000",
	}
	for addr, want := range cases {
		cfg := &config.Config{StatusAPI: config.StatusAPIConfig{Addr: addr}}
		assert.Equal(t, want, statusAddr(cfg))
	}
}

func TestBuildBrokerClient_Simulated(t *testing.T) {
	cfg := &config.Config{Broker: config.BrokerConfig{Provider: "simulated"}}
	bc, err := buildBrokerClient(cfg, nil, logrus.New())
	require.NoError(t, err)
	assert.NotNil(t, bc)
}

func TestBuildBrokerClient_DefaultsToSimulated(t *testing.T) {
	cfg := &config.Config{}
	bc, err := buildBrokerClient(cfg, nil, logrus.New())
	require.NoError(t, err)
	assert.NotNil(t, bc)
}

func TestBuildBrokerClient_UnsupportedProvider(t *testing.T) {
	cfg := &config.Config{Broker: config.BrokerConfig{Provider: "zerodha"}}
	_, err := buildBrokerClient(cfg, nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zerodha")
}

func TestNewLogger_LevelFallback(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Level: "not-a-level"}}
	logger := newLogger(cfg)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestNewLogger_JSONInLiveMode(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeLive, Logging: config.LoggingConfig{Level: "info"}}
	logger := newLogger(cfg)
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}
