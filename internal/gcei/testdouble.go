// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package gcei

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// TestDouble is a reusable testify/mock Capability, generalizing juria's
// per-package consensus/resources_mock_test.go MockExecution into a single
// production (non-_test.go) type that other packages' tests can import
// instead of re-declaring their own mock.Mock wrapper around Capability;
// internal/gcei's and internal/recovery's tests use it.
type TestDouble struct {
	mock.Mock
}

var _ Capability = (*TestDouble)(nil)

func (m *TestDouble) SendPendingTxns(ctx context.Context) ([]wire.PendingTxn, error) {
	args := m.Called(ctx)
	return castPendingTxns(args.Get(0)), args.Error(1)
}

func (m *TestDouble) RecvOrderedBlock(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error {
	args := m.Called(ctx, parentID, ob)
	return args.Error(0)
}

func (m *TestDouble) SendExecutedBlockHash(ctx context.Context, blockNumber uint64, blockID []byte) (*wire.ComputeRes, error) {
	args := m.Called(ctx, blockNumber, blockID)
	return castComputeRes(args.Get(0)), args.Error(1)
}

func (m *TestDouble) CommitBlockInfo(ctx context.Context, blockIDs [][]byte) error {
	args := m.Called(ctx, blockIDs)
	return args.Error(0)
}

func (m *TestDouble) LatestBlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return uint64(args.Int(0)), args.Error(1)
}

func (m *TestDouble) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return uint64(args.Int(0)), args.Error(1)
}

func (m *TestDouble) RecoverOrderedBlock(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error {
	args := m.Called(ctx, parentID, ob)
	return args.Error(0)
}

func (m *TestDouble) RegisterExecutionArgs(ctx context.Context, args_ ExecutionArgs) error {
	args := m.Called(ctx, args_)
	return args.Error(0)
}

func castPendingTxns(val interface{}) []wire.PendingTxn {
	if val == nil {
		return nil
	}
	return val.([]wire.PendingTxn)
}

func castComputeRes(val interface{}) *wire.ComputeRes {
	if val == nil {
		return nil
	}
	return val.(*wire.ComputeRes)
}
