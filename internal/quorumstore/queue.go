// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package quorumstore

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

func txHash(tx []byte) []byte {
	h := sha3.Sum256(tx)
	return h[:]
}

type txItem struct {
	tx           []byte
	hash         []byte
	receivedTime int64
	index        int
}

func (item *txItem) inQueue() bool { return item.index != -1 }

// txQueue orders pending transactions by arrival time, grounded on juria's
// txpool.txQueue (container/heap over txStore).
type txQueue []*txItem

func (txq txQueue) Len() int { return len(txq) }

func (txq txQueue) Less(i, j int) bool { return txq[i].receivedTime < txq[j].receivedTime }

func (txq txQueue) Swap(i, j int) {
	txq[i], txq[j] = txq[j], txq[i]
	txq[i].index = i
	txq[j].index = j
}

func (txq *txQueue) Push(x interface{}) {
	item := x.(*txItem)
	item.index = len(*txq)
	*txq = append(*txq, item)
}

func (txq *txQueue) Pop() interface{} {
	old := *txq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*txq = old[:n-1]
	return item
}

// txStore holds pending transactions awaiting batch formation, with
// back-pressure against the configured backlog limit (spec §4.4
// "Back-pressure").
type txStore struct {
	mtx    sync.Mutex
	q      txQueue
	byHash map[string]*txItem
}

func newTxStore() *txStore {
	return &txStore{byHash: make(map[string]*txItem)}
}

func (s *txStore) len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.byHash)
}

// add enqueues a transaction unless already known, returning false if it
// was a duplicate.
func (s *txStore) add(tx []byte, now int64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	h := string(txHash(tx))
	if _, dup := s.byHash[h]; dup {
		return false
	}
	item := &txItem{tx: tx, hash: []byte(h), receivedTime: now, index: -1}
	heap.Push(&s.q, item)
	s.byHash[h] = item
	return true
}

// popForBatch removes up to max oldest-arrived transactions from the queue
// to be bundled into a batch; they remain known (so duplicates are still
// rejected) until removeCommitted or removeExpired drops them.
func (s *txStore) popForBatch(max int) [][]byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := len(s.q)
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		item := heap.Pop(&s.q).(*txItem)
		out[i] = item.tx
	}
	return out
}

// requeue returns transactions to the pending queue, e.g. after a batch
// that referenced them expires unclaimed.
func (s *txStore) requeue(txns [][]byte, now int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, tx := range txns {
		h := string(txHash(tx))
		item, ok := s.byHash[h]
		if !ok {
			continue
		}
		if !item.inQueue() {
			item.receivedTime = now
			heap.Push(&s.q, item)
		}
	}
}

// remove forgets transactions entirely, e.g. once their batch has been
// referenced by a committed block.
func (s *txStore) remove(txns [][]byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, tx := range txns {
		h := string(txHash(tx))
		if item, ok := s.byHash[h]; ok {
			if item.inQueue() {
				heap.Remove(&s.q, item.index)
			}
			delete(s.byHash, h)
		}
	}
}

func unixNow() int64 { return time.Now().UnixNano() }
