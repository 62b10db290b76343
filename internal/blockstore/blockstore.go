// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package blockstore

import (
	"bytes"
	"errors"
	"sync"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/emitter"
	"github.com/gravity-sdk/consensus-core/internal/storagedb"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// sentinel errors (spec §4.1)
var (
	ErrMissingParent    = errors.New("blockstore: missing parent")
	ErrInvalidSignature = errors.New("blockstore: invalid author signature")
	ErrWrongEpoch       = errors.New("blockstore: wrong epoch")
	ErrStaleRound       = errors.New("blockstore: stale round")
	ErrEquivocation     = errors.New("blockstore: equivocating proposal")
	ErrDuplicateQC      = errors.New("blockstore: block already QCed at this round")
	ErrUnknownQCBlock   = errors.New("blockstore: qc references unknown block")
)

// ValidatorStore is the epoch validator view the Block Store needs to
// authenticate blocks, QCs and TCs.
type ValidatorStore interface {
	IsValidator(pub *crypto.PublicKey) bool
	MajorityCount() int
}

// CommittedBlock is emitted on the Emitter whenever the 2-chain rule (spec
// §4.1 "Commit detection") finalizes a new block, most-recent last.
type CommittedBlock struct {
	Block *wire.Block
	QC    *wire.QC
}

// NeedFetch is emitted when insert_block cannot locate a parent locally;
// the Recovery/Block Sync subsystem (spec §4.8) subscribes to drive
// `fetch(range)`.
type NeedFetch struct {
	ParentID []byte
	Round    uint64
}

// QCedBlock is emitted the moment a block is promoted to QCed, ahead of
// (and independent from) the 2-chain commit decision — the Pipeline
// Coordinator subscribes to this to begin speculative execution as soon as
// a block is ordered-but-not-yet-committed (spec §4.5 "QCed" stage entry:
// "QC received in Block Store").
type QCedBlock struct {
	Block *wire.Block
	QC    *wire.QC
}

// BlockStore is the durable, queryable forest of recent blocks and their
// QCs (spec §4.1).
type BlockStore struct {
	arena *arena
	vs    ValidatorStore
	db    *storagedb.DB

	mtx             sync.Mutex // serializes insert_block/insert_qc (§5 "one writer")
	root            Handle
	highestQC       *wire.QC
	highestCommitQC *wire.QC

	committed *emitter.Emitter
	needFetch *emitter.Emitter
	qced      *emitter.Emitter
}

// New creates a BlockStore rooted at genesis, matching spec §4.1's
// requirement that the tree always has a root (either the true genesis or
// the last committed block after a restart/epoch change).
func New(vs ValidatorStore, db *storagedb.DB, genesis *wire.Block, genesisQC *wire.QC) *BlockStore {
	bs := &BlockStore{
		arena:     newArena(),
		vs:        vs,
		db:        db,
		committed: emitter.New(),
		needFetch: emitter.New(),
		qced:      emitter.New(),
	}
	n := bs.arena.alloc(genesis, invalidHandle)
	n.status = StatusProposed | StatusVoted | StatusQCed | StatusOrdered | StatusExecuted | StatusAttested | StatusCommitted
	n.qc = genesisQC
	bs.root = n.handle
	bs.highestQC = genesisQC
	bs.highestCommitQC = genesisQC
	return bs
}

// SubscribeCommitted lets the Pipeline Coordinator and Recovery react to
// newly committed blocks.
func (bs *BlockStore) SubscribeCommitted(buffer int) *emitter.Subscription {
	return bs.committed.Subscribe(buffer)
}

// SubscribeNeedFetch lets Block Sync react to a missing-parent condition.
func (bs *BlockStore) SubscribeNeedFetch(buffer int) *emitter.Subscription {
	return bs.needFetch.Subscribe(buffer)
}

// SubscribeQCed lets the Pipeline Coordinator begin speculative execution
// as soon as a block is QCed.
func (bs *BlockStore) SubscribeQCed(buffer int) *emitter.Subscription {
	return bs.qced.Subscribe(buffer)
}

// HighestQC returns the highest-round QC the store has seen.
func (bs *BlockStore) HighestQC() *wire.QC {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	return bs.highestQC
}

// HighestCommitQC returns the QC certifying the highest committed block.
func (bs *BlockStore) HighestCommitQC() *wire.QC {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	return bs.highestCommitQC
}

// GetBlock returns the block with the given id, if present in the tree.
func (bs *BlockStore) GetBlock(id []byte) (*wire.Block, bool) {
	h, ok := bs.arena.handleByID(id)
	if !ok {
		return nil, false
	}
	n, ok := bs.arena.byHandle(h)
	if !ok {
		return nil, false
	}
	return n.block, true
}

// StatusOf returns the lifecycle status of the block with the given id.
func (bs *BlockStore) StatusOf(id []byte) (Status, bool) {
	h, ok := bs.arena.handleByID(id)
	if !ok {
		return 0, false
	}
	n, ok := bs.arena.byHandle(h)
	if !ok {
		return 0, false
	}
	return n.status, true
}

// InsertBlock verifies structural invariants, the author signature and
// parent presence, then persists the block atomically with its embedded
// QC (spec §4.1 "insert_block").
func (bs *BlockStore) InsertBlock(blk *wire.Block, authorPub *crypto.PublicKey) (Handle, error) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if !bytes.Equal(blk.Sum(), blk.ID) {
		return invalidHandle, ErrInvalidSignature
	}
	sig, err := crypto.NewSignature(blk.AuthorSig, blk.Author)
	if err != nil || !sig.Verify(blk.ID) {
		return invalidHandle, ErrInvalidSignature
	}
	if authorPub != nil && !authorPub.Equal(sig.PublicKey()) {
		return invalidHandle, ErrInvalidSignature
	}
	if !bs.vs.IsValidator(sig.PublicKey()) {
		return invalidHandle, ErrInvalidSignature
	}

	rootNode, _ := bs.arena.byHandle(bs.root)
	if blk.Round <= rootNode.block.Round {
		return invalidHandle, ErrStaleRound
	}
	if blk.Epoch != rootNode.block.Epoch {
		return invalidHandle, ErrWrongEpoch
	}

	parentHandle, ok := bs.arena.handleByID(blk.ParentID)
	if !ok {
		bs.needFetch.Emit(NeedFetch{ParentID: blk.ParentID, Round: blk.Round})
		return invalidHandle, ErrMissingParent
	}
	parentNode, _ := bs.arena.byHandle(parentHandle)
	if blk.Round <= parentNode.block.Round {
		return invalidHandle, ErrStaleRound
	}

	// Safety §4.1 "Tie-break": only one block may be QCed per round;
	// equivocation (a second distinct proposal from the same author at
	// the same round) is fatal-reportable, but the offending message is
	// simply dropped at this layer (spec §7 "Protocol violation").
	for _, h := range bs.arena.handlesAtRound(blk.Round) {
		existing, _ := bs.arena.byHandle(h)
		if bytes.Equal(existing.block.Author, blk.Author) && !bytes.Equal(existing.block.ID, blk.ID) {
			return invalidHandle, ErrEquivocation
		}
	}

	n := bs.arena.alloc(blk, parentHandle)

	data, err := blk.Marshal()
	if err != nil {
		return invalidHandle, err
	}
	batch := storagedb.NewBatch()
	batch.PutBlock(blk.ID, data)
	if blk.ParentQC != nil {
		qcData, err := blk.ParentQC.Marshal()
		if err != nil {
			return invalidHandle, err
		}
		batch.PutQC(blk.ParentQC.Round(), blk.ParentQC.BlockHash(), qcData)
	}
	if err := bs.db.Commit(batch); err != nil {
		return invalidHandle, err
	}
	return n.handle, nil
}

// InsertQC verifies the QC's 2f+1-weighted quorum, promotes the referenced
// block to QCed, updates highest_qc/highest_commit_qc, and runs the 2-chain
// commit rule (spec §4.1 "insert_qc", "Commit detection").
func (bs *BlockStore) InsertQC(qc *wire.QC) error {
	if err := qc.Validate(bs.vs); err != nil {
		return err
	}
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	return bs.insertQCLocked(qc)
}

func (bs *BlockStore) insertQCLocked(qc *wire.QC) error {
	h, ok := bs.arena.handleByID(qc.BlockHash())
	if !ok {
		return ErrUnknownQCBlock
	}
	n, _ := bs.arena.byHandle(h)
	n.qc = qc
	bs.arena.setStatus(h, StatusQCed)

	if cmpQCRound(qc, bs.highestQC) > 0 {
		bs.highestQC = qc
	}

	qcData, err := qc.Marshal()
	if err != nil {
		return err
	}
	if err := bs.db.PutQC(qc.Round(), qc.BlockHash(), qcData); err != nil {
		return err
	}

	bs.qced.Emit(QCedBlock{Block: n.block, QC: qc})

	bs.tryCommit(n)
	return nil
}

// MarkExecuted records that a QCed block's speculative execution has
// returned a ComputeRes, ahead of the attestation quorum forming (spec
// §4.5 "Executing" stage exit condition).
func (bs *BlockStore) MarkExecuted(id []byte) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	h, ok := bs.arena.handleByID(id)
	if !ok {
		return ErrUnknownQCBlock
	}
	bs.arena.setStatus(h, StatusExecuted)
	return nil
}

// AttachLedgerInfo embeds the Pipeline Coordinator's recovered attestation
// group signature into the block's QC and marks it Attested (spec §4.5
// "Attesting" stage exit: "2f+1 attestations collected").
func (bs *BlockStore) AttachLedgerInfo(id []byte, li *wire.LedgerInfo) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	h, ok := bs.arena.handleByID(id)
	if !ok {
		return ErrUnknownQCBlock
	}
	n, _ := bs.arena.byHandle(h)
	if n.qc == nil {
		return ErrUnknownQCBlock
	}
	n.qc.LedgerInfo = li
	bs.arena.setStatus(h, StatusAttested)

	qcData, err := n.qc.Marshal()
	if err != nil {
		return err
	}
	return bs.db.PutQC(n.qc.Round(), n.qc.BlockHash(), qcData)
}

// tryCommit implements the 2-chain commit rule (spec §4.1, §8 invariant 4):
// inserting a QC for block B, with A = B.parent. If A is QCed and
// A.round+1 == B.round (contiguous rounds), A's grandparent chain up to
// (and including) A's parent G becomes commit-candidate, i.e. G commits.
func (bs *BlockStore) tryCommit(b *node) {
	a, ok := bs.arena.byHandle(b.parent)
	if !ok || a.qc == nil || !a.status.Has(StatusQCed) {
		return
	}
	if a.block.Round+1 != b.block.Round {
		return // non-contiguous rounds (NIL gap): no commit inferred
	}
	g, ok := bs.arena.byHandle(a.parent)
	if !ok {
		return
	}
	bs.commitChain(g, a.qc)
}

// commitChain marks g and every uncommitted ancestor above the current
// root as Committed, then prunes below the new root, emitting each
// newly-committed block oldest-first so subscribers see strict FIFO order
// (spec §5 "Ordering guarantees", §8 invariant 6).
func (bs *BlockStore) commitChain(g *node, certifyingQC *wire.QC) {
	if g.status.Has(StatusCommitted) {
		return
	}
	chain := make([]*node, 0)
	cur := g
	for cur != nil && !cur.status.Has(StatusCommitted) {
		chain = append(chain, cur)
		parent, ok := bs.arena.byHandle(cur.parent)
		if !ok {
			break
		}
		cur = parent
	}
	// reverse so oldest commits first (FIFO)
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	for _, n := range chain {
		n.status |= StatusCommitted | StatusOrdered
		bs.committed.Emit(CommittedBlock{Block: n.block, QC: certifyingQCFor(n, certifyingQC, bs)})
	}
	if len(chain) > 0 {
		newRoot := chain[len(chain)-1]
		bs.highestCommitQC = newRoot.qc
		bs.root = newRoot.handle
		bs.pruneBelow(newRoot.block.Round)
	}
}

// certifyingQCFor returns the node's own QC if present, else the
// certifying QC passed down from the 2-chain detection; every committed
// block in the corpus has its own QC by construction once QCed.
func certifyingQCFor(n *node, fallback *wire.QC, bs *BlockStore) *wire.QC {
	if n.qc != nil {
		return n.qc
	}
	return fallback
}

func cmpQCRound(a, b *wire.QC) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if a.Round() == b.Round() {
		return 0
	}
	if a.Round() > b.Round() {
		return 1
	}
	return -1
}

// PathFromRoot returns the commit-candidate chain from root to the named
// block, root first (spec §4.1 "path_from_root").
func (bs *BlockStore) PathFromRoot(id []byte) ([]Handle, error) {
	h, ok := bs.arena.handleByID(id)
	if !ok {
		return nil, ErrUnknownQCBlock
	}
	path := make([]Handle, 0)
	cur, ok := bs.arena.byHandle(h)
	for ok {
		path = append(path, cur.handle)
		if cur.handle == bs.root {
			break
		}
		cur, ok = bs.arena.byHandle(cur.parent)
	}
	// reverse to root-first
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// pruneBelow removes uncommitted blocks with round < round, i.e. abandoned
// forks below the new root (spec §4.1 "prune_below"). Committed blocks stay
// in the tree and the DB until ResetForEpoch, so the epoch's committed chain
// remains available for recovery replay and Block Sync. Batch references held by pruned blocks are released implicitly: callers
// owning the Quorum Store subscribe to SubscribeCommitted and release any
// batch not referenced by the newly-rooted chain.
func (bs *BlockStore) pruneBelow(round uint64) {
	for r, handles := range bs.arena.byRound {
		if r >= round {
			continue
		}
		for _, h := range handles {
			n, ok := bs.arena.byHandle(h)
			if !ok || n.status.Has(StatusCommitted) {
				continue
			}
			bs.arena.remove(h)
			_ = bs.db.DeleteBlock(n.block.ID)
		}
	}
	_ = bs.db.DeleteQCsBelow(round)
}

// QCFor returns the QC certifying the block with the given id, if any has
// been recorded for it yet.
func (bs *BlockStore) QCFor(id []byte) (*wire.QC, bool) {
	h, ok := bs.arena.handleByID(id)
	if !ok {
		return nil, false
	}
	n, ok := bs.arena.byHandle(h)
	if !ok || n.qc == nil {
		return nil, false
	}
	return n.qc, true
}

// BlocksAtRound returns every known block at round (normally one, but may
// briefly hold a stale equivocating sibling before pruning). Block Sync
// uses this to enforce spec §4.8's "never overwrite a committed block at
// the same height with a different id" tie-break.
func (bs *BlockStore) BlocksAtRound(round uint64) []*wire.Block {
	var out []*wire.Block
	for _, h := range bs.arena.handlesAtRound(round) {
		if n, ok := bs.arena.byHandle(h); ok {
			out = append(out, n.block)
		}
	}
	return out
}

// Block returns the Block for handle h.
func (bs *BlockStore) Block(h Handle) (*wire.Block, bool) {
	n, ok := bs.arena.byHandle(h)
	if !ok {
		return nil, false
	}
	return n.block, true
}

// ResetForEpoch discards the current tree and re-roots it at an
// epoch-boundary block, per spec §4.3 "Epoch change": "Block Store resets
// its tree root."
func (bs *BlockStore) ResetForEpoch(genesis *wire.Block, genesisQC *wire.QC) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	bs.arena = newArena()
	n := bs.arena.alloc(genesis, invalidHandle)
	n.status = StatusProposed | StatusVoted | StatusQCed | StatusOrdered | StatusExecuted | StatusAttested | StatusCommitted
	n.qc = genesisQC
	bs.root = n.handle
	bs.highestQC = genesisQC
	bs.highestCommitQC = genesisQC
}
