// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package gcei

import (
	"context"
	"errors"
	"time"

	"github.com/gravity-sdk/consensus-core/internal/logger"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// Adapter wraps a Capability with backoff-retried calls and exposes the
// narrower surfaces internal/pipeline and internal/recovery actually drive,
// so neither of those packages needs to import gcei's full operation set.
type Adapter struct {
	cap Capability
}

// NewAdapter builds an Adapter over any Capability implementation
// (InProcess, IPCClient or TestDouble).
func NewAdapter(cap Capability) *Adapter {
	return &Adapter{cap: cap}
}

// withBackoff retries fn while it fails with an Unavailable Error,
// following spec §4.6's "retryable with exponential backoff" contract;
// any other error kind is returned immediately.
func (a *Adapter) withBackoff(ctx context.Context, fn func() error) error {
	bo := NewBackoff()
	for {
		err := fn()
		if err == nil {
			return nil
		}
		var execErr *Error
		if !errors.As(err, &execErr) || execErr.Kind != Unavailable {
			return err
		}
		wait := bo.Next()
		logger.I().Warnw("gcei: execution layer unavailable, backing off", "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RecvOrderedBlock satisfies internal/pipeline.Executor: it feeds ob into
// the execution layer's ordering buffer (parent id carried in
// ob.Metadata, stashed there by internal/pipeline.buildOrderedBlock) and
// then blocks for the resulting ComputeRes, composing two GCEI primitives
// (recv_ordered_block, send_executed_block_hash) into the single
// synchronous step the Pipeline Coordinator's Executing stage expects.
func (a *Adapter) RecvOrderedBlock(ctx context.Context, ob *wire.OrderedBlock) (*wire.ComputeRes, error) {
	parentID := ob.Metadata
	if err := a.withBackoff(ctx, func() error {
		return a.cap.RecvOrderedBlock(ctx, parentID, ob)
	}); err != nil {
		return nil, err
	}

	var res *wire.ComputeRes
	err := a.withBackoff(ctx, func() error {
		r, err := a.cap.SendExecutedBlockHash(ctx, ob.Round, ob.ID)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// CommitBlockInfo satisfies internal/pipeline.Executor: li has already
// been folded into the block's QC by internal/blockstore.AttachLedgerInfo
// by the time the Pipeline Coordinator calls this, so GCEI's
// commit_block_info only needs the block id to persist.
func (a *Adapter) CommitBlockInfo(ctx context.Context, blockID []byte, li *wire.LedgerInfo) error {
	return a.withBackoff(ctx, func() error {
		return a.cap.CommitBlockInfo(ctx, [][]byte{blockID})
	})
}

// SendPendingTxns satisfies internal/quorumstore's need to drain the
// execution layer's own pending queue once it takes over ordering them.
func (a *Adapter) SendPendingTxns(ctx context.Context) ([]wire.PendingTxn, error) {
	var txns []wire.PendingTxn
	err := a.withBackoff(ctx, func() error {
		t, err := a.cap.SendPendingTxns(ctx)
		if err != nil {
			return err
		}
		txns = t
		return nil
	})
	return txns, err
}

// LatestBlockNumber satisfies internal/recovery's process-start recovery
// algorithm (spec §4.8).
func (a *Adapter) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := a.withBackoff(ctx, func() error {
		v, err := a.cap.LatestBlockNumber(ctx)
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// FinalizedBlockNumber satisfies internal/recovery's process-start
// recovery algorithm (spec §4.8).
func (a *Adapter) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := a.withBackoff(ctx, func() error {
		v, err := a.cap.FinalizedBlockNumber(ctx)
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// RecoverOrderedBlock re-feeds a block the execution layer lost, used by
// internal/recovery to replay (blocks, qcs, commit_info) against GCEI.
func (a *Adapter) RecoverOrderedBlock(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error {
	return a.withBackoff(ctx, func() error {
		return a.cap.RecoverOrderedBlock(ctx, parentID, ob)
	})
}

// RegisterExecutionArgs hands the execution layer the waypoint-pinned
// epoch/genesis info internal/recovery resolves at startup.
func (a *Adapter) RegisterExecutionArgs(ctx context.Context, args ExecutionArgs) error {
	return a.withBackoff(ctx, func() error {
		return a.cap.RegisterExecutionArgs(ctx, args)
	})
}
