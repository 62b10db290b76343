// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package config loads and validates the consensus core's tunables, the
// way gitzhang10-GradedDAG's config.LoadConfig reads a viper-backed file
// plus environment overrides, generalized from that package's flat,
// single-purpose Config to the nested per-component shape this module
// needs (RSM, Quorum Store, Pipeline, GCEI, logger).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// PeerConfig names one counterparty on the consensus wire-message network:
// a hex-encoded public key and the multiaddr to dial it at.
type PeerConfig struct {
	PublicKeyHex string `mapstructure:"public_key" validate:"required,hexadecimal"`
	Addr         string `mapstructure:"addr" validate:"required"`
}

// LoggerConfig controls internal/logger construction.
type LoggerConfig struct {
	Debug bool   `mapstructure:"debug"`
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// ZapLevel parses Level, defaulting to info when unset.
func (c LoggerConfig) ZapLevel() (zapcore.Level, error) {
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// RSMConfig mirrors internal/rsm.Config plus the round-timeout escalation
// and pipeline toggle named in spec §6.
type RSMConfig struct {
	RoundTimeoutMS    int  `mapstructure:"round_timeout_ms" validate:"required,min=1"`
	MaxRoundTimeoutMS int  `mapstructure:"max_round_timeout_ms" validate:"omitempty,gtefield=RoundTimeoutMS"`
	MaxSendingTxns    int  `mapstructure:"max_sending_block_txns" validate:"required,min=1"`
	MaxSendingBytes   int  `mapstructure:"max_sending_block_bytes" validate:"required,min=1"`
	EnablePipeline    bool `mapstructure:"enable_pipeline"`
}

// BackPressureConfig mirrors spec §6's
// quorum_store.back_pressure.{dynamic_max_txn_per_s, backlog_txn_limit_count,
// backlog_per_validator_batch_limit_count}.
type BackPressureConfig struct {
	DynamicMaxTxnPerSec                int `mapstructure:"dynamic_max_txn_per_s" validate:"required,min=1"`
	BacklogTxnLimitCount               int `mapstructure:"backlog_txn_limit_count" validate:"required,min=1"`
	BacklogPerValidatorBatchLimitCount int `mapstructure:"backlog_per_validator_batch_limit_count" validate:"required,min=1"`
}

// QuorumStoreConfig mirrors internal/quorumstore.Config's sender/receiver
// quotas plus the back-pressure knobs layered on top.
type QuorumStoreConfig struct {
	SenderMaxBatchBytes   int                `mapstructure:"sender_max_batch_bytes" validate:"required,min=1"`
	SenderMaxTotalTxns    int                `mapstructure:"sender_max_total_txns" validate:"required,min=1"`
	ReceiverMaxTotalBytes int                `mapstructure:"receiver_max_total_bytes" validate:"required,min=1"`
	ExpirationRounds      uint64             `mapstructure:"expiration_rounds" validate:"required,min=1"`
	DBQuota               int64              `mapstructure:"db_quota_bytes" validate:"required,min=1"`
	BackPressure          BackPressureConfig `mapstructure:"back_pressure" validate:"required"`
}

// PipelineConfig mirrors internal/pipeline.Config.
type PipelineConfig struct {
	ExecuteBuffer int `mapstructure:"execute_buffer" validate:"required,min=1"`
}

// GCEIConfig addresses the execution layer this node's GCEI Adapter talks
// to. Endpoint is empty for an in-process Capability (construction wires
// one directly); set it to dial an IPCClient instead.
type GCEIConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	CallTimeout int    `mapstructure:"call_timeout_ms" validate:"required,min=1"`
}

// MempoolConfig is read but not enforced by the consensus core itself
// (spec §6: "not part of core but read by the adapter").
type MempoolConfig struct {
	CapacityPerUser int `mapstructure:"capacity_per_user" validate:"omitempty,min=1"`
}

// NetworkConfig configures internal/netmsg's Host.
type NetworkConfig struct {
	ListenAddr string       `mapstructure:"listen_addr" validate:"required"`
	Peers      []PeerConfig `mapstructure:"peers" validate:"dive"`
}

// Config is the consensus core's full set of runtime tunables.
type Config struct {
	Datadir string `mapstructure:"datadir" validate:"required"`

	Logger      LoggerConfig      `mapstructure:"logger"`
	Network     NetworkConfig     `mapstructure:"network" validate:"required"`
	RSM         RSMConfig         `mapstructure:"rsm" validate:"required"`
	QuorumStore QuorumStoreConfig `mapstructure:"quorum_store" validate:"required"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" validate:"required"`
	GCEI        GCEIConfig        `mapstructure:"gcei" validate:"required"`
	Mempool     MempoolConfig     `mapstructure:"mempool"`
}

// RoundTimeout returns RoundTimeoutMS as a time.Duration, the unit
// internal/rsm.Config actually takes.
func (c RSMConfig) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutMS) * time.Millisecond
}

// MaxRoundTimeout returns MaxRoundTimeoutMS, falling back to RoundTimeout
// when no escalation cap was configured.
func (c RSMConfig) MaxRoundTimeout() time.Duration {
	if c.MaxRoundTimeoutMS == 0 {
		return c.RoundTimeout()
	}
	return time.Duration(c.MaxRoundTimeoutMS) * time.Millisecond
}

// CallTimeoutDuration returns GCEI.CallTimeout as a time.Duration.
func (c GCEIConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(c.CallTimeout) * time.Millisecond
}

// Default holds the values juria's consensus.DefaultConfig and
// gitzhang10's config defaults would pick for a single-node devnet; callers
// load a real Config over it via Load.
var Default = Config{
	Logger: LoggerConfig{Level: "info"},
	RSM: RSMConfig{
		RoundTimeoutMS:    1000,
		MaxRoundTimeoutMS: 8000,
		MaxSendingTxns:    500,
		MaxSendingBytes:   1 << 20,
		EnablePipeline:    true,
	},
	QuorumStore: QuorumStoreConfig{
		SenderMaxBatchBytes:   1 << 20,
		SenderMaxTotalTxns:    2000,
		ReceiverMaxTotalBytes: 100 << 20,
		ExpirationRounds:      100,
		DBQuota:               1 << 30,
		BackPressure: BackPressureConfig{
			DynamicMaxTxnPerSec:                10000,
			BacklogTxnLimitCount:               100000,
			BacklogPerValidatorBatchLimitCount: 20,
		},
	},
	Pipeline: PipelineConfig{ExecuteBuffer: 64},
	GCEI:     GCEIConfig{CallTimeout: 5000},
}

// Load reads configName (no extension) from configPaths, overlays
// environment variables prefixed with envPrefix (dots replaced by
// underscores, mirroring gitzhang10's LoadConfig), merges over Default and
// validates the result.
func Load(envPrefix, configName string, configPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigName(configName)
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}
	if len(configPaths) == 0 {
		v.AddConfigPath(".")
	}

	setDefaults(v, Default)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Default
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation over cfg, the way
// internal/config.Load does after an Unmarshal, exported separately so
// callers building a Config programmatically (tests, embedders) can
// validate without going through viper.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("rsm.round_timeout_ms", d.RSM.RoundTimeoutMS)
	v.SetDefault("rsm.max_round_timeout_ms", d.RSM.MaxRoundTimeoutMS)
	v.SetDefault("rsm.max_sending_block_txns", d.RSM.MaxSendingTxns)
	v.SetDefault("rsm.max_sending_block_bytes", d.RSM.MaxSendingBytes)
	v.SetDefault("rsm.enable_pipeline", d.RSM.EnablePipeline)
	v.SetDefault("quorum_store.sender_max_batch_bytes", d.QuorumStore.SenderMaxBatchBytes)
	v.SetDefault("quorum_store.sender_max_total_txns", d.QuorumStore.SenderMaxTotalTxns)
	v.SetDefault("quorum_store.receiver_max_total_bytes", d.QuorumStore.ReceiverMaxTotalBytes)
	v.SetDefault("quorum_store.expiration_rounds", d.QuorumStore.ExpirationRounds)
	v.SetDefault("quorum_store.db_quota_bytes", d.QuorumStore.DBQuota)
	v.SetDefault("quorum_store.back_pressure.dynamic_max_txn_per_s", d.QuorumStore.BackPressure.DynamicMaxTxnPerSec)
	v.SetDefault("quorum_store.back_pressure.backlog_txn_limit_count", d.QuorumStore.BackPressure.BacklogTxnLimitCount)
	v.SetDefault("quorum_store.back_pressure.backlog_per_validator_batch_limit_count", d.QuorumStore.BackPressure.BacklogPerValidatorBatchLimitCount)
	v.SetDefault("pipeline.execute_buffer", d.Pipeline.ExecuteBuffer)
	v.SetDefault("gcei.call_timeout_ms", d.GCEI.CallTimeout)
}
