// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package recovery implements spec §4.8's two bootstrap algorithms:
// on-process-start recovery, which reconciles a possibly-desynced
// execution layer against the Consensus DB after a restart, and
// peer-assisted Block Sync, which catches a node up once a peer's
// SyncInfo shows it ahead within the current epoch. Neither has a juria
// analogue — juria executes in-process, so nothing there can desync, and
// its only catch-up path is the one-shot genesis bootstrap in
// consensus/genesis.go. Both algorithms here are new code grounded on that
// file's subscribe-then-quorum loop shape, applied instead to (blocks,
// qcs, commit_info) replay against internal/gcei rather than genesis vote
// collection.
package recovery

import (
	"context"
	"errors"

	"github.com/gravity-sdk/consensus-core/internal/blockstore"
	"github.com/gravity-sdk/consensus-core/internal/gcei"
	"github.com/gravity-sdk/consensus-core/internal/logger"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// ErrCrossEpoch is returned when a sync target lies in a different epoch
// than the local node's (spec §4.8 "Limitations": cross-epoch sync needs a
// future State Sync capability, not Block Sync).
var ErrCrossEpoch = errors.New("recovery: cross-epoch sync not supported")

// ErrCommittedConflict is returned when a peer offers a different block at
// a height this node has already committed (spec §4.8 "never overwrite a
// committed block at the same height with a different id").
var ErrCommittedConflict = errors.New("recovery: conflicts with already-committed block")

// ErrStaleEpoch is returned when a peer offers a block from before the
// local node's current epoch (spec §4.8 "never accept a block whose epoch
// predates current epoch").
var ErrStaleEpoch = errors.New("recovery: block predates current epoch")

// BatchSource resolves a block's PoAv-kind payload into the transactions it
// references, satisfied by internal/quorumstore.Store. It declares only the
// Reconstruct method of internal/pipeline's BatchSource (which also has
// RemoveCommitted) rather than importing that package.
type BatchSource interface {
	Reconstruct(digest []byte) (*wire.Batch, error)
}

// buildOrderedBlock resolves a block's payload into the transaction list
// GCEI's recv_ordered_block/recover_ordered_block expect, reconstructing
// PoAv-referenced batches as needed. Mirrors internal/pipeline's
// buildOrderedBlock exactly (spec §4.6).
func buildOrderedBlock(blk *wire.Block, batches BatchSource) (*wire.OrderedBlock, error) {
	ob := &wire.OrderedBlock{ID: blk.ID, Round: blk.Round, Metadata: blk.ParentID}
	switch blk.Payload.Kind {
	case wire.PayloadTxns:
		for _, raw := range blk.Payload.Transactions {
			tx, err := wire.UnmarshalTransaction(raw)
			if err != nil {
				return nil, err
			}
			ob.Transactions = append(ob.Transactions, tx)
		}
	case wire.PayloadPoAv:
		for _, p := range blk.Payload.Proofs {
			batch, err := batches.Reconstruct(p.BatchDigest)
			if err != nil {
				return nil, err
			}
			for _, raw := range batch.Transactions {
				tx, err := wire.UnmarshalTransaction(raw)
				if err != nil {
					return nil, err
				}
				ob.Transactions = append(ob.Transactions, tx)
			}
		}
	}
	return ob, nil
}

// ledgerInfoOf returns the LedgerInfo a committed block's QC already
// carries; a block that committed through the ordinary pipeline path
// always has one by the time it is prunable, so recovery only ever replays
// it rather than recomputing the attestation.
func ledgerInfoOf(bs *blockstore.BlockStore, id []byte) *wire.LedgerInfo {
	qc, ok := bs.QCFor(id)
	if !ok || qc.LedgerInfo == nil {
		return &wire.LedgerInfo{BlockID: id}
	}
	return qc.LedgerInfo
}

// ProcessStartRecover implements spec §4.8's single-node recovery: it asks
// the execution layer how far it has actually executed, replays every
// block the Block Store has already committed past that point, then hands
// the execution layer the epoch's startup args so it can finish
// reconciling before the Round State Machine resumes (spec steps 1-5).
// Step 6, "resume round execution at highest_qc.round + 1", is the caller's
// responsibility once this returns; the resume round is returned purely
// for logging/assertion.
func ProcessStartRecover(ctx context.Context, bs *blockstore.BlockStore, exec *gcei.Adapter, batches BatchSource, epoch uint64, genesisWaypoint []byte) (resumeRound uint64, err error) {
	execHeight, err := exec.LatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	chain := committedChainAbove(bs, execHeight)
	for _, blk := range chain {
		ob, err := buildOrderedBlock(blk, batches)
		if err != nil {
			return 0, err
		}
		if err := exec.RecoverOrderedBlock(ctx, blk.ParentID, ob); err != nil {
			return 0, err
		}
		li := ledgerInfoOf(bs, blk.ID)
		if err := exec.CommitBlockInfo(ctx, blk.ID, li); err != nil {
			return 0, err
		}
		logger.I().Infow("recovery: replayed committed block to execution layer", "round", blk.Round, "block", blk.ID)
	}

	if err := exec.RegisterExecutionArgs(ctx, gcei.ExecutionArgs{Epoch: epoch, GenesisWaypoint: genesisWaypoint}); err != nil {
		return 0, err
	}

	highest := bs.HighestQC()
	if highest == nil {
		return 1, nil
	}
	return highest.Round() + 1, nil
}

// committedChainAbove walks the Block Store's committed chain backward from
// its current commit head, collecting every block whose round exceeds
// execHeight, then reverses the result to round-ascending order (spec
// §4.8 step 3-4: "locate the root block ... for every block with round >
// root.round ... replay").
func committedChainAbove(bs *blockstore.BlockStore, execHeight uint64) []*wire.Block {
	qc := bs.HighestCommitQC()
	if qc == nil {
		return nil
	}
	var chain []*wire.Block
	id := qc.BlockHash()
	for {
		blk, ok := bs.GetBlock(id)
		if !ok {
			break
		}
		if blk.Round <= execHeight {
			break
		}
		chain = append(chain, blk)
		id = blk.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
