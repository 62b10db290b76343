// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package gcei implements the Gravity Consensus-Execution Interface
// adapter (spec §4.6): the contract by which the consensus core pulls
// pending transactions from, pushes ordered blocks into, receives state
// commitments from, and orders final commits to an external execution
// layer. juria has no separate execution process — its
// consensus.Execution interface is wired straight to an in-process
// execution.Execution — so this package generalizes that single wiring
// point into three interchangeable Capability implementations
// (inprocess.go, ipc.go, testdouble.go) behind one Adapter.
package gcei

import (
	"context"
	"fmt"

	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// ErrKind classifies a Capability failure (spec §4.6).
type ErrKind uint8

const (
	// Unavailable means the execution layer could not be reached; retry
	// with exponential backoff.
	Unavailable ErrKind = iota
	// Mismatch means the execution layer's state diverges from
	// consensus's expectation (e.g. a different state root); fatal,
	// triggers internal/recovery.
	Mismatch
	// Invalid means the request itself was malformed; a protocol bug,
	// the round should be aborted.
	Invalid
	// Timeout means the execution layer is slow, not absent; feeds
	// back-pressure rather than triggering a retry storm.
	Timeout
)

func (k ErrKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Mismatch:
		return "mismatch"
	case Invalid:
		return "invalid"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the GCEIError{kind, detail} taxonomy every Capability method
// fails with.
type Error struct {
	Kind   ErrKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gcei: %s: %s", e.Kind, e.Detail)
}

// NewError builds an Error of the given kind.
func NewError(kind ErrKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// ExecutionArgs hands the execution layer consensus-side startup
// information so it can reconcile its own state before serving requests
// (spec §5 "register_execution_args / waypoint bootstrap").
type ExecutionArgs struct {
	Epoch           uint64
	GenesisWaypoint []byte
}

// Capability is the full GCEI operation set (spec §4.6 tables): the
// steady-state set plus the recovery set.
type Capability interface {
	// SendPendingTxns drains the execution layer's pending queue; the
	// consensus side now owns ordering these.
	SendPendingTxns(ctx context.Context) ([]wire.PendingTxn, error)
	// RecvOrderedBlock stores the block into the execution layer's local
	// ordering buffer; idempotent on repeated id.
	RecvOrderedBlock(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error
	// SendExecutedBlockHash blocks until execution of blockID finishes;
	// the result is deterministic given inputs.
	SendExecutedBlockHash(ctx context.Context, blockNumber uint64, blockID []byte) (*wire.ComputeRes, error)
	// CommitBlockInfo persists the committed blocks, in order; after
	// return the execution layer guarantees their durability.
	CommitBlockInfo(ctx context.Context, blockIDs [][]byte) error

	// LatestBlockNumber is the highest block number the exec layer has
	// executed (may exceed persisted).
	LatestBlockNumber(ctx context.Context) (uint64, error)
	// FinalizedBlockNumber is the highest block number the exec layer has
	// made durable.
	FinalizedBlockNumber(ctx context.Context) (uint64, error)
	// RecoverOrderedBlock re-feeds a block the exec layer lost;
	// idempotent.
	RecoverOrderedBlock(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error
	// RegisterExecutionArgs hands over startup info so the exec layer can
	// reconcile.
	RegisterExecutionArgs(ctx context.Context, args ExecutionArgs) error
}
