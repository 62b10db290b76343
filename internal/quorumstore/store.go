// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package quorumstore implements the Quorum Store (spec §4.4): batches
// transactions submitted off the critical path, disseminates them to the
// validator set, collects signed receipts into a Proof of Availability once
// 2f+1 validators have stored a batch, and hands PoAv-only payloads to the
// Round State Machine so proposals stay small regardless of mempool size.
// Generalizes juria's txpool package, which instead ships raw transactions
// inline on every block.
package quorumstore

import (
	"errors"
	"sync"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/logger"
	"github.com/gravity-sdk/consensus-core/internal/storagedb"
	"github.com/gravity-sdk/consensus-core/internal/validator"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// sentinel errors
var (
	ErrBacklogFull     = errors.New("quorumstore: backlog limit reached")
	ErrUnknownBatch    = errors.New("quorumstore: unknown batch digest")
	ErrBatchExpired    = errors.New("quorumstore: batch already expired")
	ErrNotEnoughShards = errors.New("quorumstore: receiver quota would be exceeded")
)

// Config holds the Quorum Store's sizing and back-pressure parameters
// (spec §4.4 "Configuration").
type Config struct {
	// SenderMaxBatchBytes bounds one locally-formed batch's wire size.
	SenderMaxBatchBytes int
	// SenderMaxTotalTxns bounds transactions per locally-formed batch.
	SenderMaxTotalTxns int
	// ReceiverMaxTotalBytes bounds total bytes of batches this node will
	// accept from other authors before it starts refusing shards.
	ReceiverMaxTotalBytes int
	// ExpirationRounds is how many rounds past formation a batch remains
	// referenceable in a proposal before it is evicted unclaimed.
	ExpirationRounds uint64
	// DynamicMaxTxnPerSec, when positive, caps how many transactions a
	// single FormBatch call pulls (below SenderMaxTotalTxns); no per-second
	// rate is measured.
	DynamicMaxTxnPerSec int
	// BacklogTxnLimitCount caps total pending (not yet batched)
	// transactions accepted from local submission.
	BacklogTxnLimitCount int
	// BacklogPerValidatorBatchLimitCount caps in-flight (formed, not yet
	// PoAv'd or expired) batches per author.
	BacklogPerValidatorBatchLimitCount int
	// DBQuota, when positive, enables persisting authored batches to
	// storagedb; a batch whose encoded size exceeds it is not persisted.
	// The total of persisted bytes is not tracked, and persisted batches are
	// not deleted on expiry or commit.
	DBQuota int64
}

// MsgService disseminates batches and collects receipts, grounded on
// juria's txpool.MsgService (broadcast + point-to-point over an emitter
// subscription) generalized to carry erasure-coded shards.
type MsgService interface {
	SendShard(to *crypto.PublicKey, author *crypto.PublicKey, digest []byte, shardIdx int, shard []byte, totalShards, dataShards, size int, expirationRound uint64) error
	SendReceipt(to *crypto.PublicKey, receipt wire.BatchReceipt) error
	BroadcastPoAv(poav *wire.ProofOfAvailability) error
}

// pendingBatch is one batch this node authored and is still collecting
// receipts for.
type pendingBatch struct {
	batch *wire.Batch
	size  int
	sigs  []wire.IndividualSignature
	seen  map[string]struct{}
	round uint64 // round the batch was formed at
}

// receivedBatch tracks the shard(s) this node holds for a batch it did not
// author, and the reconstructed content once available.
type receivedBatch struct {
	batch           *wire.Batch
	shards          [][]byte
	present         int
	bytesUsed       int
	dataShards      int
	totalShards     int
	size            int
	expirationRound uint64
}

// Store is the Quorum Store.
type Store struct {
	cfg    Config
	vset   *validator.Set
	self   *crypto.PrivateKey
	db     *storagedb.DB
	msgSvc MsgService

	mtx       sync.Mutex
	pending   *txStore
	authored  map[string]*pendingBatch  // digest -> batch this node formed
	poavs     map[string]*wire.ProofOfAvailability
	received  map[string]*receivedBatch // digest -> batch received from a peer
	recvBytes int
	inflight  map[string]int // author string -> in-flight batch count

	currentRound uint64
}

// New builds a Store for one epoch's validator set.
func New(cfg Config, vset *validator.Set, self *crypto.PrivateKey, db *storagedb.DB, msgSvc MsgService) *Store {
	return &Store{
		cfg:      cfg,
		vset:     vset,
		self:     self,
		db:       db,
		msgSvc:   msgSvc,
		pending:  newTxStore(),
		authored: make(map[string]*pendingBatch),
		poavs:    make(map[string]*wire.ProofOfAvailability),
		received: make(map[string]*receivedBatch),
		inflight: make(map[string]int),
	}
}

// SubmitTxns enqueues client transactions for the next batch, subject to
// the backlog limit (spec §4.4 "Back-pressure": reject rather than queue
// unbounded).
func (s *Store) SubmitTxns(txns [][]byte) error {
	now := unixNow()
	if s.pending.len()+len(txns) > s.cfg.BacklogTxnLimitCount {
		return ErrBacklogFull
	}
	for _, tx := range txns {
		s.pending.add(tx, now)
	}
	return nil
}

// FormBatch pulls pending transactions into a new authored batch at round,
// signs it into existence (digest only; the batch itself needs no
// signature until a receipt is issued over it), and disseminates it as
// erasure-coded shards to the rest of the validator set (spec §4.4 "Batch
// formation", "Dissemination").
func (s *Store) FormBatch(round uint64) (*wire.Batch, error) {
	s.mtx.Lock()
	authorKey := s.self.PublicKey().String()
	if s.inflight[authorKey] >= s.cfg.BacklogPerValidatorBatchLimitCount {
		s.mtx.Unlock()
		return nil, ErrBacklogFull
	}
	s.mtx.Unlock()

	maxTxns := s.cfg.SenderMaxTotalTxns
	if s.cfg.DynamicMaxTxnPerSec > 0 && maxTxns > s.cfg.DynamicMaxTxnPerSec {
		maxTxns = s.cfg.DynamicMaxTxnPerSec
	}
	txns := s.pending.popForBatch(maxTxns)
	if len(txns) == 0 {
		return nil, nil
	}

	kept := trimToBudget(txns, s.cfg.SenderMaxBatchBytes)
	if len(kept) < len(txns) {
		s.pending.requeue(txns[len(kept):], unixNow())
	}
	batch := &wire.Batch{
		Author:          s.self.PublicKey().Bytes(),
		ExpirationRound: round + s.cfg.ExpirationRounds,
		Transactions:    kept,
	}
	batch.Digest = batch.ComputeDigest()
	size := batch.SizeBytes()

	s.mtx.Lock()
	s.authored[string(batch.Digest)] = &pendingBatch{
		batch: batch,
		size:  size,
		seen:  make(map[string]struct{}),
		round: round,
	}
	s.inflight[authorKey]++
	s.mtx.Unlock()

	if err := s.persistBatch(batch); err != nil {
		logger.I().Warnw("quorumstore: persist batch failed", "digest", batch.Digest, "error", err)
	}

	if err := s.disseminate(batch); err != nil {
		logger.I().Warnw("quorumstore: dissemination failed", "digest", batch.Digest, "error", err)
	}
	return batch, nil
}

// trimToBudget drops transactions from the tail once the running size
// would exceed maxBytes, returning the rest to the pending queue.
func trimToBudget(txns [][]byte, maxBytes int) [][]byte {
	if maxBytes <= 0 {
		return txns
	}
	total := 0
	cut := len(txns)
	for i, tx := range txns {
		total += len(tx)
		if total > maxBytes {
			cut = i
			break
		}
	}
	return txns[:cut]
}

// disseminate erasure-codes the batch with dataShards set to the quorum
// size, so any 2f+1 validators receiving distinct shards can reconstruct
// it even if the remainder never acknowledges (supplemented per SPEC_FULL
// §4.4: bandwidth-reducing coding rather than juria's full-replication
// broadcast).
func (s *Store) disseminate(batch *wire.Batch) error {
	data, err := batch.Marshal()
	if err != nil {
		return err
	}
	all := s.vset.All()
	total := len(all)
	dataShards := s.vset.MajorityCount()
	if dataShards >= total {
		dataShards = total - 1
	}
	if dataShards <= 0 {
		return nil // single-validator set: nothing to disseminate
	}
	shards, err := shardBatch(data, dataShards, total)
	if err != nil {
		return err
	}
	for i, v := range all {
		if v.PublicKey.Equal(s.self.PublicKey()) {
			continue
		}
		if err := s.msgSvc.SendShard(v.PublicKey, s.self.PublicKey(), batch.Digest, i, shards[i], total, dataShards, len(data), batch.ExpirationRound); err != nil {
			logger.I().Debugw("quorumstore: send shard failed", "to", v.PublicKey.String(), "error", err)
		}
	}
	return nil
}

// ReceiveShard stores one erasure-coded shard assigned to this validator and
// acknowledges custody of it to the author. A Proof of Availability attests
// that 2f+1 validators each safely hold their own shard, not that any one
// of them holds the whole batch (spec §4.4 "Dissemination", receiver side)
// — reconstructing the original content is deferred to whichever caller
// later needs it (e.g. execution, via Reconstruct), by fetching a
// dataShards-sized quorum of shards from the validator set.
func (s *Store) ReceiveShard(author *crypto.PublicKey, digest []byte, shardIdx int, shard []byte, totalShards, dataShards, size int, expirationRound uint64) error {
	key := string(digest)
	shardBytes := len(shard)

	s.mtx.Lock()
	if expirationRound <= s.currentRound {
		s.mtx.Unlock()
		return ErrBatchExpired
	}
	rb, ok := s.received[key]
	if !ok {
		rb = &receivedBatch{
			shards:          make([][]byte, totalShards),
			dataShards:      dataShards,
			totalShards:     totalShards,
			size:            size,
			expirationRound: expirationRound,
		}
		s.received[key] = rb
	}
	alreadyHeld := rb.shards[shardIdx] != nil
	if !alreadyHeld {
		if s.recvBytes+shardBytes > s.cfg.ReceiverMaxTotalBytes {
			s.mtx.Unlock()
			return ErrNotEnoughShards
		}
		rb.shards[shardIdx] = shard
		rb.present++
		rb.bytesUsed += shardBytes
		s.recvBytes += shardBytes
	}
	s.mtx.Unlock()

	if alreadyHeld {
		return nil
	}

	sig := s.self.Sign(digest)
	receipt := wire.BatchReceipt{
		BatchDigest: digest,
		Signature:   wire.IndividualSignature{Signer: sig.PublicKey().Bytes(), Value: sig.Value()},
	}
	return s.msgSvc.SendReceipt(author, receipt)
}

// Reconstruct rebuilds a batch's full content from whatever shards this
// node currently holds for it — the shard it was assigned on receipt, and
// the author's own full copy. Returns ErrTooFewShards if fewer than
// dataShards are present locally; a caller needing the content despite
// that must first fetch more shards over MsgService from other validators.
func (s *Store) Reconstruct(digest []byte) (*wire.Batch, error) {
	key := string(digest)

	s.mtx.Lock()
	if pb, ok := s.authored[key]; ok {
		s.mtx.Unlock()
		return pb.batch, nil
	}
	rb, ok := s.received[key]
	s.mtx.Unlock()
	if !ok {
		return nil, ErrUnknownBatch
	}
	if rb.batch != nil {
		return rb.batch, nil
	}

	data, err := reconstructBatch(append([][]byte(nil), rb.shards...), rb.dataShards, rb.totalShards, rb.size)
	if err != nil {
		return nil, err
	}
	batch, err := wire.UnmarshalBatch(data)
	if err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	s.mtx.Lock()
	rb.batch = batch
	s.mtx.Unlock()

	if err := s.persistBatch(batch); err != nil {
		logger.I().Warnw("quorumstore: persist reconstructed batch failed", "digest", digest, "error", err)
	}
	return batch, nil
}

// ReceiveReceipt records one validator's acknowledgement of an authored
// batch, forming and broadcasting a ProofOfAvailability once a 2f+1 quorum
// of distinct signatures has been collected (spec §4.4 "PoAv formation").
func (s *Store) ReceiveReceipt(receipt wire.BatchReceipt) error {
	key := string(receipt.BatchDigest)

	s.mtx.Lock()
	pb, ok := s.authored[key]
	if !ok {
		s.mtx.Unlock()
		return ErrUnknownBatch
	}
	signerKey := string(receipt.Signature.Signer)
	if _, dup := pb.seen[signerKey]; dup {
		s.mtx.Unlock()
		return nil
	}
	pb.seen[signerKey] = struct{}{}
	pb.sigs = append(pb.sigs, receipt.Signature)

	if len(pb.sigs) < s.vset.MajorityCount() {
		s.mtx.Unlock()
		return nil
	}
	poav := &wire.ProofOfAvailability{
		BatchDigest:     pb.batch.Digest,
		Author:          pb.batch.Author,
		ExpirationRound: pb.batch.ExpirationRound,
		Signatures:      append([]wire.IndividualSignature(nil), pb.sigs...),
	}
	s.poavs[key] = poav
	s.mtx.Unlock()

	return s.msgSvc.BroadcastPoAv(poav)
}

// ReceivePoAv records a proof of availability formed by another author's
// batch, making it eligible for inclusion in this node's next proposal.
func (s *Store) ReceivePoAv(poav *wire.ProofOfAvailability) error {
	if err := poav.Validate(s.vset); err != nil {
		return err
	}
	s.mtx.Lock()
	s.poavs[string(poav.BatchDigest)] = poav
	s.mtx.Unlock()
	return nil
}

// BuildPayload implements rsm.PayloadSource: it packages every PoAv whose
// expiration hasn't yet passed into a Payload for the leader's proposal,
// rather than inlining raw transactions (spec §4.4 "Proposal use").
func (s *Store) BuildPayload(maxTxns, maxBytes int) wire.Payload {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	proofs := make([]wire.ProofOfAvailability, 0, len(s.poavs))
	size := 0
	for _, p := range s.poavs {
		if p.ExpirationRound <= s.currentRound {
			continue
		}
		ps := len(p.BatchDigest) + len(p.Author) + 8
		if maxBytes > 0 && size+ps > maxBytes {
			continue
		}
		size += ps
		proofs = append(proofs, *p)
		if maxTxns > 0 && len(proofs) >= maxTxns {
			break
		}
	}
	if len(proofs) == 0 {
		return wire.Payload{Kind: wire.PayloadNil}
	}
	return wire.Payload{Kind: wire.PayloadPoAv, Proofs: proofs}
}

// ExpireRound evicts every authored/received batch (and its PoAv, if any)
// whose ExpirationRound is at or below round, returning still-pending
// transactions from abandoned authored batches to the local queue (spec
// §4.4 "Expiration").
func (s *Store) ExpireRound(round uint64) {
	now := unixNow()
	s.mtx.Lock()
	s.currentRound = round
	var toRequeue [][]byte
	for digest, pb := range s.authored {
		if pb.batch.ExpirationRound <= round {
			toRequeue = append(toRequeue, pb.batch.Transactions...)
			delete(s.authored, digest)
			delete(s.poavs, digest)
			s.inflight[string(pb.batch.Author)]--
		}
	}
	for digest, rb := range s.received {
		if rb.expirationRound <= round {
			s.recvBytes -= rb.bytesUsed
			delete(s.received, digest)
			delete(s.poavs, digest)
		}
	}
	s.mtx.Unlock()
	if len(toRequeue) > 0 {
		s.pending.requeue(toRequeue, now)
	}
}

// RemoveCommitted forgets transactions whose containing batch has been
// referenced by a committed block, so they are never re-proposed.
func (s *Store) RemoveCommitted(digest []byte) {
	key := string(digest)
	s.mtx.Lock()
	var txns [][]byte
	if pb, ok := s.authored[key]; ok {
		txns = pb.batch.Transactions
		delete(s.authored, key)
		delete(s.poavs, key)
	} else if rb, ok := s.received[key]; ok && rb.batch != nil {
		txns = rb.batch.Transactions
		delete(s.received, key)
		delete(s.poavs, key)
	}
	s.mtx.Unlock()
	if txns != nil {
		s.pending.remove(txns)
	}
}

// persistBatch writes the batch's encoded form to the on-disk store (spec
// §4.7 "colBatchByDigest"). Nothing is written when DBQuota is not positive
// or the encoded batch is larger than DBQuota; such a batch is still
// servable from the in-memory map until it expires.
func (s *Store) persistBatch(batch *wire.Batch) error {
	if s.cfg.DBQuota <= 0 {
		return nil
	}
	data, err := batch.Marshal()
	if err != nil {
		return err
	}
	if int64(len(data)) > s.cfg.DBQuota {
		return nil
	}
	return s.db.PutBatch(batch.Digest, data)
}
