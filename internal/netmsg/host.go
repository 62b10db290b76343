// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package netmsg

import (
	"fmt"
	"net"
	"time"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/logger"
	"github.com/multiformats/go-multiaddr"
)

// Host listens for inbound connections and maintains outbound ones to a
// configured set of peers, generalizing juria's p2p.Host from a libp2p
// stream handler to a raw net.Listener plus a signed-nonce handshake that
// stands in for noise's authenticated encryption (spec's non-goal list
// drops the full libp2p/noise stack; identity still needs asserting, so
// the handshake below is the minimal replacement).
type Host struct {
	privKey   *crypto.PrivateKey
	localAddr multiaddr.Multiaddr

	peerStore *peerStore
	listener  net.Listener

	onAddedPeer func(peer *Peer)

	reconnectInterval time.Duration
	closeCh           chan struct{}
}

// NewHost binds localAddr and begins accepting connections.
func NewHost(privKey *crypto.PrivateKey, localAddr multiaddr.Multiaddr) (*Host, error) {
	h := &Host{
		privKey:           privKey,
		localAddr:         localAddr,
		peerStore:         newPeerStore(),
		reconnectInterval: 5 * time.Second,
		closeCh:           make(chan struct{}),
	}
	network, address, err := dialArgs(localAddr)
	if err != nil {
		return nil, err
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	h.listener = l
	go h.acceptLoop()
	go h.reconnectLoop()
	return h, nil
}

func (h *Host) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.closeCh:
				return
			default:
				logger.I().Warnw("netmsg: accept failed", "error", err)
				return
			}
		}
		go h.handleInbound(conn)
	}
}

func (h *Host) handleInbound(conn net.Conn) {
	remotePub, err := respondHandshake(conn)
	if err != nil {
		logger.I().Warnw("netmsg: inbound handshake failed", "error", err)
		conn.Close()
		return
	}
	addr, _ := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/0", hostOf(conn.RemoteAddr())))
	peer, loaded := h.peerStore.LoadOrStore(NewPeer(remotePub, addr))
	if !loaded && h.onAddedPeer != nil {
		go h.onAddedPeer(peer)
	}
	if err := peer.SetConnecting(); err != nil {
		conn.Close()
		return
	}
	peer.OnConnected(conn)
}

func (h *Host) reconnectLoop() {
	ticker := time.NewTicker(h.reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closeCh:
			return
		case <-ticker.C:
			for _, p := range h.peerStore.List() {
				if p.Status() == PeerStatusDisconnected {
					go h.connectPeer(p)
				}
			}
		}
	}
}

func (h *Host) connectPeer(p *Peer) {
	if err := p.SetConnecting(); err != nil {
		return
	}
	network, address, err := dialArgs(p.Addr())
	if err != nil {
		p.Disconnect()
		return
	}
	conn, err := net.DialTimeout(network, address, 3*time.Second)
	if err != nil {
		p.Disconnect()
		return
	}
	if err := initiateHandshake(conn, h.privKey); err != nil {
		conn.Close()
		p.Disconnect()
		return
	}
	p.OnConnected(conn)
}

// AddPeer registers a peer to dial (and redial on disconnect).
func (h *Host) AddPeer(p *Peer) {
	p, loaded := h.peerStore.LoadOrStore(p)
	if !loaded && h.onAddedPeer != nil {
		go h.onAddedPeer(p)
	}
	go h.connectPeer(p)
}

func (h *Host) SetPeerAddedHandler(fn func(peer *Peer)) { h.onAddedPeer = fn }

func (h *Host) PeerStore() *peerStore { return h.peerStore }

func (h *Host) LocalAddr() multiaddr.Multiaddr { return h.localAddr }

// Close stops accepting connections and disconnects every peer.
func (h *Host) Close() error {
	close(h.closeCh)
	for _, p := range h.peerStore.List() {
		p.Disconnect()
	}
	return h.listener.Close()
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func dialArgs(addr multiaddr.Multiaddr) (network, address string, err error) {
	ip, err := addr.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		ip, err = addr.ValueForProtocol(multiaddr.P_IP6)
		if err != nil {
			return "", "", fmt.Errorf("netmsg: unsupported multiaddr %s: %w", addr, err)
		}
	}
	port, err := addr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", "", fmt.Errorf("netmsg: multiaddr %s has no tcp component: %w", addr, err)
	}
	return "tcp", net.JoinHostPort(ip, port), nil
}
