// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package recovery

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gravity-sdk/consensus-core/internal/blockstore"
	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/emitter"
	"github.com/gravity-sdk/consensus-core/internal/gcei"
	"github.com/gravity-sdk/consensus-core/internal/logger"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// InboundRequest pairs a received FetchRequest with the peer that sent it,
// so the Syncer's responder side knows where to send the FetchResponse.
type InboundRequest struct {
	From *crypto.PublicKey
	Req  *wire.FetchRequest
}

// InboundResponse pairs a received FetchResponse with the peer that sent
// it.
type InboundResponse struct {
	From *crypto.PublicKey
	Resp *wire.FetchResponse
}

// MsgService is the transport-agnostic send/subscribe surface Block Sync
// needs, shaped like rsm.MsgService and pipeline.MsgService.
type MsgService interface {
	SendFetchRequest(to *crypto.PublicKey, req *wire.FetchRequest) error
	SendFetchResponse(to *crypto.PublicKey, resp *wire.FetchResponse) error

	SubscribeFetchRequest(buffer int) *emitter.Subscription  // InboundRequest
	SubscribeFetchResponse(buffer int) *emitter.Subscription // InboundResponse
}

// ShouldSync reports whether peer's SyncInfo shows it ahead of mine — the
// trigger condition for Block Sync (spec §4.8: "Triggered when processing
// a ConsensusMessage whose attached SyncInfo shows peer_highest_qc.round >
// my_highest_qc.round").
func ShouldSync(mine, peer *wire.SyncInfo) bool {
	if peer == nil || peer.HighestQC == nil {
		return false
	}
	if mine == nil || mine.HighestQC == nil {
		return true
	}
	return peer.HighestQC.Round() > mine.HighestQC.Round()
}

type rangeState struct {
	fromRound uint64
	toRound   uint64
	committed bool
	done      chan error
}

// Syncer drives peer-assisted Block Sync (spec §4.8): it serves range
// requests from its own Block Store and, when triggered, pulls a lagging
// range from a peer and replays it against the Block Store and GCEI.
type Syncer struct {
	bs      *blockstore.BlockStore
	exec    *gcei.Adapter
	batches BatchSource
	msgSvc  MsgService
	epoch   uint64

	mtx     sync.Mutex
	pending map[string]*rangeState
	stopCh  chan struct{}
}

// NewSyncer constructs a Syncer bound to the current epoch; a Block Sync
// request for a block outside epoch is always rejected (ErrCrossEpoch /
// ErrStaleEpoch).
func NewSyncer(bs *blockstore.BlockStore, exec *gcei.Adapter, batches BatchSource, msgSvc MsgService, epoch uint64) *Syncer {
	return &Syncer{
		bs:      bs,
		exec:    exec,
		batches: batches,
		msgSvc:  msgSvc,
		epoch:   epoch,
		pending: make(map[string]*rangeState),
	}
}

// Start begins serving fetch requests and routing fetch responses to any
// in-flight Trigger calls.
func (s *Syncer) Start() {
	s.mtx.Lock()
	if s.stopCh != nil {
		s.mtx.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.mtx.Unlock()
	go s.run()
}

// Stop halts the Syncer's run loop.
func (s *Syncer) Stop() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
}

func (s *Syncer) run() {
	subReq := s.msgSvc.SubscribeFetchRequest(16)
	subResp := s.msgSvc.SubscribeFetchResponse(16)
	defer subReq.Unsubscribe()
	defer subResp.Unsubscribe()

	for {
		select {
		case <-s.stopCh:
			return
		case e := <-subReq.Events():
			s.onFetchRequest(e.(InboundRequest))
		case e := <-subResp.Events():
			s.onFetchResponse(e.(InboundResponse))
		}
	}
}

// Trigger drives Block Sync against peer once its SyncInfo shows it ahead,
// blocking until both passes complete or ctx is cancelled (spec §4.8
// algorithm steps 1-3):
//  1. fetch committed blocks/QCs from just above this node's commit head
//     through peer's commit head, replaying each through GCEI;
//  2. fetch the QCed-but-uncommitted blocks above that, up through peer's
//     highest QC, inserting them into the Block Store without replay.
//
// Resuming the Round State Machine at the new highest_qc.round+1 (step 3)
// is the caller's responsibility once Trigger returns nil.
func (s *Syncer) Trigger(ctx context.Context, peer *crypto.PublicKey, peerSync *wire.SyncInfo) error {
	mySync := &wire.SyncInfo{HighestQC: s.bs.HighestQC(), HighestCommitQC: s.bs.HighestCommitQC()}
	if !ShouldSync(mySync, peerSync) {
		return nil
	}
	if peerSync.HighestQC.VoteData.ProposedBlockInfo.Epoch != s.epoch {
		return ErrCrossEpoch
	}

	var myCommitRound uint64
	if mySync.HighestCommitQC != nil {
		myCommitRound = mySync.HighestCommitQC.Round()
	}
	peerCommitRound := peerSync.HighestCommitQC.Round()
	peerQCRound := peerSync.HighestQC.Round()

	if err := s.fetchRange(ctx, peer, myCommitRound+1, peerCommitRound, true); err != nil {
		return err
	}
	return s.fetchRange(ctx, peer, peerCommitRound+1, peerQCRound, false)
}

func rangeKey(from, to uint64, committed bool) string {
	tag := "qced"
	if committed {
		tag = "committed"
	}
	return fmt.Sprintf("%s:%d:%d", tag, from, to)
}

func (s *Syncer) fetchRange(ctx context.Context, peer *crypto.PublicKey, from, to uint64, committed bool) error {
	if to < from {
		return nil
	}
	key := rangeKey(from, to, committed)
	st := &rangeState{fromRound: from, toRound: to, committed: committed, done: make(chan error, 1)}

	s.mtx.Lock()
	s.pending[key] = st
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		delete(s.pending, key)
		s.mtx.Unlock()
	}()

	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.retryRequest(retryCtx, peer, &wire.FetchRequest{FromRound: from, ToRound: to})

	select {
	case err := <-st.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryRequest resends a FetchRequest until cancelled, the same
// periodic-resend loop shape as consensus/genesis.go's
// broadcastProposalLoop/broadcastQC.
func (s *Syncer) retryRequest(ctx context.Context, peer *crypto.PublicKey, req *wire.FetchRequest) {
	for {
		if err := s.msgSvc.SendFetchRequest(peer, req); err != nil {
			logger.I().Warnw("recovery: send fetch request failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// onFetchRequest serves a peer's range request from the local Block
// Store's in-memory tree, which holds the current epoch's committed chain
// as well as the uncommitted blocks above the root; nothing is read from
// the Consensus DB.
func (s *Syncer) onFetchRequest(in InboundRequest) {
	items := s.serveRange(in.Req.FromRound, in.Req.ToRound)
	resp := &wire.FetchResponse{Items: items}
	if err := s.msgSvc.SendFetchResponse(in.From, resp); err != nil {
		logger.I().Warnw("recovery: send fetch response failed", "error", err)
	}
}

func (s *Syncer) serveRange(from, to uint64) []wire.SyncItem {
	qc := s.bs.HighestQC()
	if qc == nil {
		return nil
	}
	commitQC := s.bs.HighestCommitQC()

	var items []wire.SyncItem
	id := qc.BlockHash()
	for {
		blk, ok := s.bs.GetBlock(id)
		if !ok || blk.Round < from {
			break
		}
		if blk.Round <= to {
			blkQC, _ := s.bs.QCFor(blk.ID)
			items = append(items, wire.SyncItem{
				Block:     blk,
				QC:        blkQC,
				Committed: commitQC != nil && blk.Round <= commitQC.Round(),
			})
		}
		id = blk.ParentID
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// onFetchResponse applies an inbound batch of sync items in round order
// and, once fully applied, resolves whichever pending range it satisfies.
func (s *Syncer) onFetchResponse(in InboundResponse) {
	if len(in.Resp.Items) == 0 {
		return
	}
	for _, item := range in.Resp.Items {
		if err := s.applyItem(item); err != nil {
			logger.I().Warnw("recovery: rejected sync item", "round", item.Block.Round, "error", err)
			return
		}
	}

	first := in.Resp.Items[0].Block.Round
	last := in.Resp.Items[len(in.Resp.Items)-1].Block.Round
	committed := in.Resp.Items[0].Committed

	s.mtx.Lock()
	for key, st := range s.pending {
		if st.committed == committed && st.fromRound == first && st.toRound == last {
			delete(s.pending, key)
			select {
			case st.done <- nil:
			default:
			}
		}
	}
	s.mtx.Unlock()
}

// applyItem enforces Block Sync's tie-break/safety rules (spec §4.8): never
// accept a block from a stale epoch, never overwrite an already-committed
// block at the same height with a different id; fork resolution during
// sync is by commit certificate, not arrival order.
func (s *Syncer) applyItem(item wire.SyncItem) error {
	blk := item.Block
	if blk.Epoch < s.epoch {
		return ErrStaleEpoch
	}

	if _, known := s.bs.GetBlock(blk.ID); known {
		return nil // idempotent: already applied
	}

	for _, existing := range s.bs.BlocksAtRound(blk.Round) {
		if bytes.Equal(existing.ID, blk.ID) {
			continue
		}
		if status, ok := s.bs.StatusOf(existing.ID); ok && status.Has(blockstore.StatusCommitted) {
			return ErrCommittedConflict
		}
	}

	if _, err := s.bs.InsertBlock(blk, nil); err != nil {
		return err
	}
	if item.QC != nil {
		if err := s.bs.InsertQC(item.QC); err != nil {
			return err
		}
	}

	if !item.Committed {
		return nil
	}

	ob, err := buildOrderedBlock(blk, s.batches)
	if err != nil {
		return err
	}
	if err := s.exec.RecoverOrderedBlock(context.Background(), blk.ParentID, ob); err != nil {
		return err
	}
	return s.exec.CommitBlockInfo(context.Background(), blk.ID, ledgerInfoOf(s.bs, blk.ID))
}
