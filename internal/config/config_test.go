// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoadReadsFileAndFillsDefaults(t *testing.T) {
	cfg, err := Load("CCORE", "node", "testdata")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/consensus-core-devnet", cfg.Datadir)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/29200", cfg.Network.ListenAddr)
	require.Len(t, cfg.Network.Peers, 2)
	assert.Equal(t, "aa11", cfg.Network.Peers[0].PublicKeyHex)

	assert.Equal(t, 1500, cfg.RSM.RoundTimeoutMS)
	assert.Equal(t, 750, cfg.RSM.MaxSendingTxns)
	assert.True(t, cfg.RSM.EnablePipeline)

	// pipeline.execute_buffer is set in the file; gcei.call_timeout_ms too.
	assert.Equal(t, 32, cfg.Pipeline.ExecuteBuffer)
	assert.Equal(t, 4000, cfg.GCEI.CallTimeout)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CCORE_RSM_ROUND_TIMEOUT_MS", "2222")

	cfg, err := Load("CCORE", "node", "testdata")
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.RSM.RoundTimeoutMS)
}

func TestRSMConfigDurationHelpers(t *testing.T) {
	cfg := RSMConfig{RoundTimeoutMS: 1000, MaxRoundTimeoutMS: 8000}
	assert.Equal(t, 1000000000, int(cfg.RoundTimeout()))
	assert.Equal(t, 8000000000, int(cfg.MaxRoundTimeout()))

	noEscalation := RSMConfig{RoundTimeoutMS: 1000}
	assert.Equal(t, noEscalation.RoundTimeout(), noEscalation.MaxRoundTimeout())
}

func TestLoggerConfigZapLevelDefaultsToInfo(t *testing.T) {
	lvl, err := LoggerConfig{}.ZapLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = LoggerConfig{Level: "debug"}.ZapLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	_, err = LoggerConfig{Level: "not-a-level"}.ZapLevel()
	assert.Error(t, err)
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cfg := Default
	cfg.Datadir = "/tmp/x"
	cfg.Network = NetworkConfig{ListenAddr: "/ip4/0.0.0.0/tcp/0"}
	// cfg.RSM, cfg.QuorumStore, cfg.GCEI inherited from Default and valid.
	require.NoError(t, Validate(&cfg))

	cfg.Datadir = ""
	assert.Error(t, Validate(&cfg))
}

func TestValidateRejectsMalformedPeer(t *testing.T) {
	cfg := Default
	cfg.Datadir = "/tmp/x"
	cfg.Network = NetworkConfig{
		ListenAddr: "/ip4/0.0.0.0/tcp/0",
		Peers:      []PeerConfig{{PublicKeyHex: "not-hex!!", Addr: "/ip4/127.0.0.1/tcp/1"}},
	}
	assert.Error(t, Validate(&cfg))
}
