// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package netmsg wires the consensus core's MsgService interfaces
// (internal/rsm, internal/pipeline, internal/quorumstore,
// internal/recovery) onto real TCP connections addressed by
// multiaddr.Multiaddr, generalizing juria's p2p package from a full
// libp2p host (noise-encrypted, yamux-multiplexed streams) to a plain
// length-prefixed TCP framing with its own lightweight signature
// handshake, since the full libp2p stack and its peer-discovery surface
// are out of scope for this module.
package netmsg

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/emitter"
	"github.com/gravity-sdk/consensus-core/internal/logger"
	"github.com/multiformats/go-multiaddr"
)

// PeerStatus is a connection's lifecycle state, modeled on juria's
// p2p.PeerStatus: disconnected, connecting or connected.
type PeerStatus int8

const (
	PeerStatusDisconnected PeerStatus = iota
	PeerStatusConnecting
	PeerStatusConnected
)

// MessageSizeLimit bounds a single frame, matching p2p.MessageSizeLimit's
// guard against an attacker forcing an unbounded read-ahead allocation.
const MessageSizeLimit uint32 = 100_000_000

// Peer is one remote validator's connection, addressed by its public key
// and multiaddr.
type Peer struct {
	pubKey *crypto.PublicKey
	addr   multiaddr.Multiaddr
	status PeerStatus

	rwc     io.ReadWriteCloser
	emitter *emitter.Emitter

	mtxRWC    sync.RWMutex
	mtxStatus sync.RWMutex
	mtxWrite  sync.Mutex
}

// NewPeer creates a not-yet-connected Peer entry.
func NewPeer(pubKey *crypto.PublicKey, addr multiaddr.Multiaddr) *Peer {
	return &Peer{
		pubKey:  pubKey,
		addr:    addr,
		status:  PeerStatusDisconnected,
		emitter: emitter.New(),
	}
}

func (p *Peer) PublicKey() *crypto.PublicKey { return p.pubKey }
func (p *Peer) Addr() multiaddr.Multiaddr    { return p.addr }

func (p *Peer) Status() PeerStatus {
	p.mtxStatus.RLock()
	defer p.mtxStatus.RUnlock()
	return p.status
}

func (p *Peer) SetConnecting() error {
	p.mtxStatus.Lock()
	defer p.mtxStatus.Unlock()
	if p.status != PeerStatusDisconnected {
		return fmt.Errorf("netmsg: peer status must be disconnected, got %d", p.status)
	}
	p.status = PeerStatusConnecting
	return nil
}

func (p *Peer) Disconnect() error {
	p.mtxStatus.Lock()
	defer p.mtxStatus.Unlock()
	if p.status == PeerStatusConnected {
		logger.I().Infow("netmsg: peer disconnected", "addr", p.addr)
	}
	p.status = PeerStatusDisconnected
	rwc := p.getRWC()
	if rwc != nil {
		return rwc.Close()
	}
	return nil
}

// OnConnected adopts rwc as this peer's transport and starts reading from
// it in the background.
func (p *Peer) OnConnected(rwc io.ReadWriteCloser) {
	p.mtxStatus.Lock()
	defer p.mtxStatus.Unlock()
	logger.I().Infow("netmsg: peer connected", "addr", p.addr)
	p.status = PeerStatusConnected
	p.setRWC(rwc)
	go p.listen()
}

func (p *Peer) listen() {
	defer p.Disconnect()
	for {
		msg, err := p.read()
		if err != nil {
			return
		}
		p.emitter.Emit(msg)
	}
}

func (p *Peer) read() ([]byte, error) {
	b, err := p.readFixedSize(4)
	if err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(b)
	if size > MessageSizeLimit {
		return nil, fmt.Errorf("netmsg: frame too large: %d bytes", size)
	}
	return p.readFixedSize(size)
}

func (p *Peer) readFixedSize(size uint32) ([]byte, error) {
	b := make([]byte, size)
	_, err := io.ReadFull(p.getRWC(), b)
	return b, err
}

// WriteMsg frames and writes one length-prefixed message.
func (p *Peer) WriteMsg(msg []byte) error {
	p.mtxWrite.Lock()
	defer p.mtxWrite.Unlock()
	if p.Status() != PeerStatusConnected {
		return fmt.Errorf("netmsg: peer not connected")
	}
	payload := make([]byte, 4, 4+len(msg))
	binary.BigEndian.PutUint32(payload, uint32(len(msg)))
	payload = append(payload, msg...)
	_, err := p.getRWC().Write(payload)
	return err
}

// SubscribeMsg delivers each inbound frame as a []byte event.
func (p *Peer) SubscribeMsg() *emitter.Subscription {
	return p.emitter.Subscribe(16)
}

func (p *Peer) setRWC(rwc io.ReadWriteCloser) {
	p.mtxRWC.Lock()
	defer p.mtxRWC.Unlock()
	p.rwc = rwc
}

func (p *Peer) getRWC() io.ReadWriteCloser {
	p.mtxRWC.RLock()
	defer p.mtxRWC.RUnlock()
	return p.rwc
}
