// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package gcei

import (
	"context"

	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// InProcess wires GCEI directly to function pointers supplied by an
// execution layer running in the same process — the zero-transport-cost
// case of spec §9's "polymorphic execution layer", the direct analogue of
// juria wiring consensus.Execution straight to its in-process
// execution.Execution. A nil Func for a required operation yields
// Unavailable rather than panicking, since std wiring happens in two
// stages (construct the Adapter, then plug in the execution layer once it
// starts) and a not-yet-wired call should look retryable, not fatal.
type InProcess struct {
	SendPendingTxnsFunc       func(ctx context.Context) ([]wire.PendingTxn, error)
	RecvOrderedBlockFunc      func(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error
	SendExecutedBlockHashFunc func(ctx context.Context, blockNumber uint64, blockID []byte) (*wire.ComputeRes, error)
	CommitBlockInfoFunc       func(ctx context.Context, blockIDs [][]byte) error

	LatestBlockNumberFunc     func(ctx context.Context) (uint64, error)
	FinalizedBlockNumberFunc  func(ctx context.Context) (uint64, error)
	RecoverOrderedBlockFunc   func(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error
	RegisterExecutionArgsFunc func(ctx context.Context, args ExecutionArgs) error
}

var _ Capability = (*InProcess)(nil)

func (p *InProcess) SendPendingTxns(ctx context.Context) ([]wire.PendingTxn, error) {
	if p.SendPendingTxnsFunc == nil {
		return nil, nil
	}
	return p.SendPendingTxnsFunc(ctx)
}

func (p *InProcess) RecvOrderedBlock(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error {
	if p.RecvOrderedBlockFunc == nil {
		return NewError(Unavailable, "recv_ordered_block not wired")
	}
	return p.RecvOrderedBlockFunc(ctx, parentID, ob)
}

func (p *InProcess) SendExecutedBlockHash(ctx context.Context, blockNumber uint64, blockID []byte) (*wire.ComputeRes, error) {
	if p.SendExecutedBlockHashFunc == nil {
		return nil, NewError(Unavailable, "send_executed_block_hash not wired")
	}
	return p.SendExecutedBlockHashFunc(ctx, blockNumber, blockID)
}

func (p *InProcess) CommitBlockInfo(ctx context.Context, blockIDs [][]byte) error {
	if p.CommitBlockInfoFunc == nil {
		return nil
	}
	return p.CommitBlockInfoFunc(ctx, blockIDs)
}

func (p *InProcess) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if p.LatestBlockNumberFunc == nil {
		return 0, NewError(Unavailable, "latest_block_number not wired")
	}
	return p.LatestBlockNumberFunc(ctx)
}

func (p *InProcess) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	if p.FinalizedBlockNumberFunc == nil {
		return 0, NewError(Unavailable, "finalized_block_number not wired")
	}
	return p.FinalizedBlockNumberFunc(ctx)
}

func (p *InProcess) RecoverOrderedBlock(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error {
	if p.RecoverOrderedBlockFunc == nil {
		return NewError(Unavailable, "recover_ordered_block not wired")
	}
	return p.RecoverOrderedBlockFunc(ctx, parentID, ob)
}

func (p *InProcess) RegisterExecutionArgs(ctx context.Context, args ExecutionArgs) error {
	if p.RegisterExecutionArgsFunc == nil {
		return NewError(Unavailable, "register_execution_args not wired")
	}
	return p.RegisterExecutionArgsFunc(ctx, args)
}
