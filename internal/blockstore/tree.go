// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package blockstore implements the Block Tree and Block Store (spec §4.1):
// the durable, queryable forest of recent blocks and their QCs, the single
// source of truth for "can this round be voted/proposed". The tree is an
// arena indexed by a compact Handle rather than parent pointers, so forks
// don't create reference cycles and pruning is O(1) per removed node (spec
// §9 "Cyclic block references"). Generalizes juria's map-based block pools
// in consensus/block_store.go and consensus/state.go.
package blockstore

import (
	"sync"

	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// Handle is a compact, stable reference to a tree node.
type Handle int

// invalidHandle marks "no such node" (e.g. root's parent).
const invalidHandle Handle = -1

// Status is the bitmask of lifecycle stages a block has reached (spec §3
// "BlockTree" derived state).
type Status uint16

const (
	StatusProposed Status = 1 << iota
	StatusVoted
	StatusQCed
	StatusOrdered
	StatusExecuted
	StatusAttested
	StatusCommitted
)

// Has reports whether all bits in want are set.
func (s Status) Has(want Status) bool { return s&want == want }

type node struct {
	handle   Handle
	block    *wire.Block
	parent   Handle
	children []Handle
	status   Status
	qc       *wire.QC // the QC certifying this block, once QCed
}

// arena is the handle-indexed storage for tree nodes; BlockStore does its
// node allocation and removal through it.
type arena struct {
	mtx     sync.RWMutex
	nodes   map[Handle]*node
	byID    map[string]Handle
	byRound map[uint64][]Handle
	next    Handle
}

func newArena() *arena {
	return &arena{
		nodes:   make(map[Handle]*node),
		byID:    make(map[string]Handle),
		byRound: make(map[uint64][]Handle),
	}
}

func (a *arena) alloc(blk *wire.Block, parent Handle) *node {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	h := a.next
	a.next++
	n := &node{handle: h, block: blk, parent: parent, status: StatusProposed}
	a.nodes[h] = n
	a.byID[string(blk.ID)] = h
	a.byRound[blk.Round] = append(a.byRound[blk.Round], h)
	if parent != invalidHandle {
		if p, ok := a.nodes[parent]; ok {
			p.children = append(p.children, h)
		}
	}
	return n
}

func (a *arena) byHandle(h Handle) (*node, bool) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	n, ok := a.nodes[h]
	return n, ok
}

func (a *arena) handleByID(id []byte) (Handle, bool) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	h, ok := a.byID[string(id)]
	return h, ok
}

func (a *arena) handlesAtRound(round uint64) []Handle {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	out := make([]Handle, len(a.byRound[round]))
	copy(out, a.byRound[round])
	return out
}

// remove deletes a node from the arena; callers must already have removed
// it from any parent's children slice if needed.
func (a *arena) remove(h Handle) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	n, ok := a.nodes[h]
	if !ok {
		return
	}
	delete(a.nodes, h)
	delete(a.byID, string(n.block.ID))
	round := n.block.Round
	list := a.byRound[round]
	for i, rh := range list {
		if rh == h {
			a.byRound[round] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(a.byRound[round]) == 0 {
		delete(a.byRound, round)
	}
}

func (a *arena) setStatus(h Handle, add Status) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if n, ok := a.nodes[h]; ok {
		n.status |= add
	}
}
