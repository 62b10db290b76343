// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package pipeline implements the Pipeline Coordinator (spec §4.5). A
// block's execution begins the moment it is QCed in the Block Store,
// speculatively and independently of the 2-chain order-commit decision:
// QCed -> Executing -> Attesting -> Committed. Executing dispatches the
// block to the execution layer via GCEI; Attesting collects a 2f+1
// threshold-signed quorum over the returned result and recovers a single
// group signature that becomes the block's QC.LedgerInfo; Committed fires
// once that quorum has formed AND the block's parent has itself reached
// Committed, so notifications to the execution layer and the Quorum Store
// stay strictly FIFO even though execution and attestation race ahead of
// order. Fork-abandonment cleanup is grounded on juria's
// consensus/hs_driver.go cleanStateOnCommited, which requeues and forgets
// "folked" sibling blocks once their competitor commits; the channel-driven
// run loop is grounded on internal/rsm's.
package pipeline

import (
	"context"
	"sync"

	"github.com/gravity-sdk/consensus-core/internal/blockstore"
	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/emitter"
	"github.com/gravity-sdk/consensus-core/internal/logger"
	"github.com/gravity-sdk/consensus-core/internal/validator"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// Executor is the narrow GCEI-facing surface the Pipeline Coordinator
// drives (spec §4.6 "recv_ordered_block", "commit_block_info"). It is
// satisfied by internal/gcei's Adapter; defined here so this package
// doesn't need to import gcei.
type Executor interface {
	RecvOrderedBlock(ctx context.Context, ob *wire.OrderedBlock) (*wire.ComputeRes, error)
	CommitBlockInfo(ctx context.Context, blockID []byte, li *wire.LedgerInfo) error
}

// BatchSource resolves a block's PoAv-kind payload into the transactions it
// references and forgets them once committed, satisfied by
// internal/quorumstore.Store.
type BatchSource interface {
	Reconstruct(digest []byte) (*wire.Batch, error)
	RemoveCommitted(digest []byte)
}

// Attestation is one validator's partial signature over a block's execution
// result, exchanged so every validator can independently recover the group
// signature once 2f+1 partials are collected (spec §4.5 "Attesting").
type Attestation struct {
	BlockID    []byte
	Round      uint64
	ExecDigest []byte
	PartialSig []byte
	SignerIdx  int
}

// MsgService is the transport-agnostic surface the Pipeline Coordinator
// needs to exchange attestations, mirroring rsm.MsgService's shape.
type MsgService interface {
	BroadcastAttestation(att Attestation) error
	SubscribeAttestation(buffer int) *emitter.Subscription // Attestation
}

// Config holds the Pipeline Coordinator's tuning parameters.
type Config struct {
	// ExecuteBuffer bounds the channel execution results are reported back
	// on; a block whose execution is still in flight when the buffer is
	// full blocks its own executeBlock goroutine, never the run loop.
	ExecuteBuffer int
}

type execResult struct {
	blockID []byte
	res     *wire.ComputeRes
	err     error
}

// blockState tracks one in-flight block's progress through the pipeline.
type blockState struct {
	block      *wire.Block
	cancel     context.CancelFunc
	executed   bool
	attested   bool
	committed  bool
	execDigest []byte
	ledgerInfo *wire.LedgerInfo
	partials   map[int][]byte
}

// Coordinator drives blocks through the execution pipeline once they are
// QCed, independent of the Round State Machine's own commit detection.
type Coordinator struct {
	cfg    Config
	bs     *blockstore.BlockStore
	vset   *validator.Set
	share  *crypto.ValidatorShare
	scheme *crypto.ThresholdScheme
	exec   Executor
	batch  BatchSource
	msgSvc MsgService

	mtx      sync.Mutex
	states   map[string]*blockState
	children map[string][]string

	results chan execResult
	stopCh  chan struct{}
}

// New constructs a Coordinator. genesisID is the Block Store's root block
// id, seeded as already-committed so its children can commit once their
// own attestation quorum forms.
func New(cfg Config, bs *blockstore.BlockStore, vset *validator.Set, share *crypto.ValidatorShare, scheme *crypto.ThresholdScheme, exec Executor, batch BatchSource, msgSvc MsgService, genesisID []byte) *Coordinator {
	if cfg.ExecuteBuffer <= 0 {
		cfg.ExecuteBuffer = 64
	}
	c := &Coordinator{
		cfg:      cfg,
		bs:       bs,
		vset:     vset,
		share:    share,
		scheme:   scheme,
		exec:     exec,
		batch:    batch,
		msgSvc:   msgSvc,
		states:   make(map[string]*blockState),
		children: make(map[string][]string),
		results:  make(chan execResult, cfg.ExecuteBuffer),
	}
	c.states[string(genesisID)] = &blockState{executed: true, attested: true, committed: true}
	return c
}

// Start begins pulling QCed and order-committed events off the Block Store
// and attestations off msgSvc.
func (c *Coordinator) Start() {
	c.mtx.Lock()
	if c.stopCh != nil {
		c.mtx.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.mtx.Unlock()
	go c.run()
}

// Stop halts the Coordinator; in-flight execution goroutines are left to
// finish but their results are discarded.
func (c *Coordinator) Stop() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	c.stopCh = nil
}

func (c *Coordinator) run() {
	subQCed := c.bs.SubscribeQCed(32)
	subCommitted := c.bs.SubscribeCommitted(32)
	subAtt := c.msgSvc.SubscribeAttestation(64)
	defer subQCed.Unsubscribe()
	defer subCommitted.Unsubscribe()
	defer subAtt.Unsubscribe()

	for {
		select {
		case <-c.stopCh:
			return
		case e := <-subQCed.Events():
			c.onQCed(e.(blockstore.QCedBlock))
		case e := <-subCommitted.Events():
			c.onOrderCommitted(e.(blockstore.CommittedBlock))
		case e := <-subAtt.Events():
			c.onAttestation(e.(Attestation))
		case r := <-c.results:
			c.onExecResult(r)
		}
	}
}

// onQCed enters the Executing stage the moment a block is QCed, ahead of
// (and independent from) the 2-chain order-commit decision (spec §4.5
// "QCed" stage entry condition).
func (c *Coordinator) onQCed(ev blockstore.QCedBlock) {
	id := string(ev.Block.ID)
	parentID := string(ev.Block.ParentID)

	c.mtx.Lock()
	if _, exists := c.states[id]; exists {
		c.mtx.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.states[id] = &blockState{
		block:    ev.Block,
		cancel:   cancel,
		partials: make(map[int][]byte),
	}
	c.children[parentID] = append(c.children[parentID], id)
	c.mtx.Unlock()

	go c.executeBlock(ctx, ev.Block)
}

func (c *Coordinator) executeBlock(ctx context.Context, blk *wire.Block) {
	ob, err := buildOrderedBlock(blk, c.batch)
	if err != nil {
		logger.I().Warnw("pipeline: failed to assemble ordered block", "block", blk.ID, "error", err)
		return
	}
	res, err := c.exec.RecvOrderedBlock(ctx, ob)
	select {
	case c.results <- execResult{blockID: blk.ID, res: res, err: err}:
	case <-ctx.Done():
	}
}

func (c *Coordinator) onExecResult(r execResult) {
	id := string(r.blockID)
	if r.err != nil {
		logger.I().Warnw("pipeline: execution failed", "block", r.blockID, "error", r.err)
		return
	}

	c.mtx.Lock()
	st, ok := c.states[id]
	if !ok || st.executed {
		c.mtx.Unlock()
		return
	}
	st.executed = true
	st.execDigest = r.res.Digest()
	c.mtx.Unlock()

	if err := c.bs.MarkExecuted(r.blockID); err != nil {
		logger.I().Warnw("pipeline: mark executed failed", "block", r.blockID, "error", err)
	}

	partial, err := c.share.SignPartial(st.execDigest)
	if err != nil {
		logger.I().Warnw("pipeline: failed to sign partial attestation", "block", r.blockID, "error", err)
		return
	}
	idx := c.share.Index()

	c.recordPartial(id, idx, partial)

	att := Attestation{BlockID: r.blockID, Round: st.block.Round, ExecDigest: st.execDigest, PartialSig: partial, SignerIdx: idx}
	if err := c.msgSvc.BroadcastAttestation(att); err != nil {
		logger.I().Warnw("pipeline: broadcast attestation failed", "block", r.blockID, "error", err)
	}
}

// onAttestation records a peer's partial signature, which may arrive
// before this node's own execution has returned a result.
func (c *Coordinator) onAttestation(att Attestation) {
	c.recordPartial(string(att.BlockID), att.SignerIdx, att.PartialSig)
}

func (c *Coordinator) recordPartial(id string, idx int, partial []byte) {
	c.mtx.Lock()
	st, ok := c.states[id]
	if !ok || st.attested {
		c.mtx.Unlock()
		return
	}
	if st.partials == nil {
		st.partials = make(map[int][]byte)
	}
	st.partials[idx] = partial
	ready := st.executed && len(st.partials) >= c.vset.MajorityCount()
	var digest []byte
	var partials [][]byte
	if ready {
		digest = st.execDigest
		partials = make([][]byte, 0, len(st.partials))
		for _, p := range st.partials {
			partials = append(partials, p)
		}
	}
	c.mtx.Unlock()

	if !ready {
		return
	}
	c.tryFormLedgerInfo(id, digest, partials)
}

// tryFormLedgerInfo recovers the group signature once 2f+1 partials are in
// hand, embeds it in the block's QC as its LedgerInfo, and attempts to
// advance the block (and any now-unblocked children) to Committed (spec
// §4.5 "Attesting" stage exit: "2f+1 attestations collected").
func (c *Coordinator) tryFormLedgerInfo(id string, digest []byte, partials [][]byte) {
	blockID := []byte(id)
	groupSig, err := c.scheme.Recover(digest, partials, c.vset.Count())
	if err != nil {
		logger.I().Warnw("pipeline: failed to recover group signature", "block", blockID, "error", err)
		return
	}
	if err := c.scheme.Verify(digest, groupSig); err != nil {
		logger.I().Warnw("pipeline: recovered group signature failed verification", "block", blockID, "error", err)
		return
	}

	c.mtx.Lock()
	st, ok := c.states[id]
	if !ok || st.attested {
		c.mtx.Unlock()
		return
	}
	li := &wire.LedgerInfo{BlockID: blockID, Round: st.block.Round, ExecutionResultDigest: digest, GroupSignature: groupSig}
	st.attested = true
	st.ledgerInfo = li
	c.mtx.Unlock()

	if err := c.bs.AttachLedgerInfo(blockID, li); err != nil {
		logger.I().Warnw("pipeline: attach ledger info failed", "block", blockID, "error", err)
		return
	}

	c.commitIfReady(id)
}

// commitIfReady fires the Committed stage once a block's own attestation
// quorum has formed and its parent has already committed, cascading into
// any children the parent-commit just unblocked, so notifications stay
// FIFO (spec §4.5 "Ordering constraint").
func (c *Coordinator) commitIfReady(id string) {
	c.mtx.Lock()
	st, ok := c.states[id]
	if !ok || st.committed {
		c.mtx.Unlock()
		return
	}
	if !st.attested || !st.executed {
		c.mtx.Unlock()
		return
	}
	parentID := string(st.block.ParentID)
	parent, parentOK := c.states[parentID]
	if !parentOK || !parent.committed {
		c.mtx.Unlock()
		return
	}
	st.committed = true
	li := st.ledgerInfo
	blk := st.block
	kids := append([]string(nil), c.children[id]...)
	c.mtx.Unlock()

	for _, p := range blk.Payload.Proofs {
		c.batch.RemoveCommitted(p.BatchDigest)
	}
	if err := c.exec.CommitBlockInfo(context.Background(), blk.ID, li); err != nil {
		logger.I().Warnw("pipeline: commit_block_info failed", "block", blk.ID, "error", err)
	}

	for _, kid := range kids {
		c.commitIfReady(kid)
	}
}

// onOrderCommitted prunes pipeline state once the 2-chain rule finalizes a
// block: any sibling task competing at or below that round whose block
// wasn't the one certified is abandoned — cancelled and forgotten, its
// batches left for the Quorum Store's own expiration — mirroring juria's
// cleanStateOnCommited "folked blocks" cleanup.
func (c *Coordinator) onOrderCommitted(cb blockstore.CommittedBlock) {
	committedID := string(cb.Block.ID)

	c.mtx.Lock()
	defer c.mtx.Unlock()
	// The committed block's tracked ancestors are certified too and may
	// still be waiting to pipeline-commit, so they are kept.
	keep := map[string]bool{committedID: true}
	for pid := string(cb.Block.ParentID); !keep[pid]; {
		pst, ok := c.states[pid]
		if !ok || pst.block == nil {
			break
		}
		keep[pid] = true
		pid = string(pst.block.ParentID)
	}
	for id, st := range c.states {
		if keep[id] || st.block == nil {
			continue
		}
		if st.block.Round > cb.Block.Round || st.committed {
			continue // still ahead of the newly committed round, or
			// already pipeline-committed itself (kept as a parent
			// reference for any child still catching up)
		}
		if st.cancel != nil {
			st.cancel()
		}
		delete(c.states, id)
		delete(c.children, id)
	}
}

// buildOrderedBlock resolves a block's payload into the transaction list
// GCEI's recv_ordered_block expects, reconstructing PoAv-referenced batches
// from the Quorum Store as needed (spec §4.6).
func buildOrderedBlock(blk *wire.Block, batches BatchSource) (*wire.OrderedBlock, error) {
	// Metadata carries the parent id through to internal/gcei.Adapter,
	// which needs it for the underlying recv_ordered_block call but which
	// this package's own Executor interface has no room to pass
	// separately.
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
