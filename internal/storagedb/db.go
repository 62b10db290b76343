// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package storagedb implements the Consensus DB (spec §4.7): a keyed,
// column-family store holding blocks, quorum certificates and the small
// set of scalars Safety Rules must flush atomically before returning a
// signature. Generalizes juria's storage/db.go badger prefix scheme.
package storagedb

import (
	"bytes"

	"github.com/dgraph-io/badger/v3"
)

// column-family prefixes
const (
	_                byte = iota
	colBlockByID          // blocks: block_id -> Block
	colQCByRoundID        // qcs: (round,id) -> QC
	colSingleEntry        // single_entry: name -> scalar bytes
	colDAGVertex          // dag: vertex_id -> Vertex (optional DAG-mode)
	colDAGEdge            // dag: edge -> Edge (optional DAG-mode)
	colBatchByDigest      // batches: digest -> Batch, Quorum Store's bounded store
)

// single_entry scalar names (spec §4.7).
const (
	EntryLastVote             = "last_vote"
	EntryHighestTimeoutCert   = "highest_timeout_cert"
	EntryHighest2ChainCommit  = "highest_2chain_commit_cert"
	EntryEpochInfo            = "epoch_info"
	EntryPreferredRound       = "preferred_round"
	EntryOneChainRound        = "one_chain_round"
)

type setter interface {
	Set(key, value []byte) error
}

type updateFunc func(setter setter) error

// DB is the Consensus DB.
type DB struct {
	badger *badger.DB
}

// Open opens (creating if absent) a badger-backed Consensus DB at dir.
// SyncWrites is set to true (badger's default is false), matching spec
// §4.7's "fsync is mandatory on Safety Rules state and on QC-bearing
// blocks" — every DB.Update call is a synchronous, fsync'd transaction.
func Open(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{badger: bdb}, nil
}

// Close releases the underlying badger handles.
func (db *DB) Close() error {
	return db.badger.Close()
}

func blockKey(id []byte) []byte {
	return concatBytes([]byte{colBlockByID}, id)
}

func qcKey(round uint64, id []byte) []byte {
	return concatBytes([]byte{colQCByRoundID}, uint64ToBytes(round), id)
}

func qcPrefixForRoundBelow() []byte {
	return []byte{colQCByRoundID}
}

func singleEntryKey(name string) []byte {
	return concatBytes([]byte{colSingleEntry}, []byte(name))
}

func dagVertexKey(id []byte) []byte {
	return concatBytes([]byte{colDAGVertex}, id)
}

func dagEdgeKey(from, to []byte) []byte {
	return concatBytes([]byte{colDAGEdge}, from, to)
}

func batchKey(digest []byte) []byte {
	return concatBytes([]byte{colBatchByDigest}, digest)
}

// PutBatch persists a Quorum Store batch keyed by digest.
func (db *DB) PutBatch(digest []byte, data []byte) error {
	return db.update([]updateFunc{
		func(s setter) error { return s.Set(batchKey(digest), data) },
	})
}

// GetBatch loads a batch by digest.
func (db *DB) GetBatch(digest []byte) ([]byte, error) {
	return db.get(batchKey(digest))
}

// DeleteBatch removes a batch by digest. The Quorum Store does not call it
// when a batch expires or is committed.
func (db *DB) DeleteBatch(digest []byte) error {
	return db.badger.Update(func(txn *badger.Txn) error {
		return txn.Delete(batchKey(digest))
	})
}

// PutBlock persists a block, keyed by id.
func (db *DB) PutBlock(id []byte, data []byte) error {
	return db.update([]updateFunc{
		func(s setter) error { return s.Set(blockKey(id), data) },
	})
}

// GetBlock loads a block by id.
func (db *DB) GetBlock(id []byte) ([]byte, error) {
	return db.get(blockKey(id))
}

// DeleteBlock removes a single block by id (used during prune/GC).
func (db *DB) DeleteBlock(id []byte) error {
	return db.badger.Update(func(txn *badger.Txn) error {
		return txn.Delete(blockKey(id))
	})
}

// PutQC persists a QC keyed by (round, block id) so range scans by round
// are possible during garbage collection and block-sync serving.
func (db *DB) PutQC(round uint64, id []byte, data []byte) error {
	return db.update([]updateFunc{
		func(s setter) error { return s.Set(qcKey(round, id), data) },
	})
}

// GetQC loads a QC by (round, block id).
func (db *DB) GetQC(round uint64, id []byte) ([]byte, error) {
	return db.get(qcKey(round, id))
}

// DeleteQCsBelow removes all QCs whose round is strictly below minRound,
// as part of commit-time garbage collection (spec §4.7 "Garbage
// collection").
func (db *DB) DeleteQCsBelow(minRound uint64) error {
	return db.badger.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := qcPrefixForRoundBelow()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			round := bytesToUint64(key[1:9])
			if round < minRound {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// PutSingleEntry writes a scalar Safety Rules / epoch value. Callers that
// must be crash-consistent (Safety Rules signatures) call this and only
// then emit the signature (spec §4.2, §4.7 "Atomicity requirement").
func (db *DB) PutSingleEntry(name string, data []byte) error {
	return db.update([]updateFunc{
		func(s setter) error { return s.Set(singleEntryKey(name), data) },
	})
}

// GetSingleEntry reads a scalar value, returning (nil, badger.ErrKeyNotFound)
// if absent.
func (db *DB) GetSingleEntry(name string) ([]byte, error) {
	return db.get(singleEntryKey(name))
}

// PutDAGVertex persists one DAG-mode vertex (optional family, spec §4.7).
func (db *DB) PutDAGVertex(id []byte, data []byte) error {
	return db.update([]updateFunc{
		func(s setter) error { return s.Set(dagVertexKey(id), data) },
	})
}

// PutDAGEdge persists one DAG-mode edge between two vertices.
func (db *DB) PutDAGEdge(from, to []byte) error {
	return db.update([]updateFunc{
		func(s setter) error { return s.Set(dagEdgeKey(from, to), []byte{1}) },
	})
}

// Batch applies a set of writes atomically in a single badger transaction,
// used by callers (e.g. commit-time prune + new block insert) that need
// all-or-nothing semantics across multiple keys (spec §4.7 "batched per
// event, flushed atomically").
type Batch struct {
	fns []updateFunc
}

// NewBatch creates an empty atomic write batch.
func NewBatch() *Batch { return &Batch{} }

// PutBlock queues a block write.
func (b *Batch) PutBlock(id []byte, data []byte) {
	b.fns = append(b.fns, func(s setter) error { return s.Set(blockKey(id), data) })
}

// PutQC queues a QC write.
func (b *Batch) PutQC(round uint64, id []byte, data []byte) {
	b.fns = append(b.fns, func(s setter) error { return s.Set(qcKey(round, id), data) })
}

// PutSingleEntry queues a scalar write.
func (b *Batch) PutSingleEntry(name string, data []byte) {
	b.fns = append(b.fns, func(s setter) error { return s.Set(singleEntryKey(name), data) })
}

// Commit applies all queued writes in one transaction.
func (db *DB) Commit(b *Batch) error {
	return db.update(b.fns)
}

func (db *DB) update(fns []updateFunc) error {
	return db.badger.Update(func(txn *badger.Txn) error {
		for _, fn := range fns {
			if err := fn(txn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) get(key []byte) ([]byte, error) {
	var val []byte
	err := db.badger.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func concatBytes(parts ...[]byte) []byte {
	buf := bytes.NewBuffer(nil)
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes()
}

func uint64ToBytes(i uint64) []byte {
	b := make([]byte, 8)
	for idx := 0; idx < 8; idx++ {
		b[7-idx] = byte(i >> (8 * idx))
	}
	return b
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// IsNotFound reports whether err is badger's not-found sentinel.
func IsNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}
