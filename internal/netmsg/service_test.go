// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package netmsg

import (
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/recovery"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

func mustAddr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHostConnectsAndExchangesFrames(t *testing.T) {
	priv1, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	priv2, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	addr1 := mustAddr(t, "/ip4/127.0.0.1/tcp/29101")
	addr2 := mustAddr(t, "/ip4/127.0.0.1/tcp/29102")

	host1, err := NewHost(priv1, addr1)
	require.NoError(t, err)
	t.Cleanup(func() { host1.Close() })
	host2, err := NewHost(priv2, addr2)
	require.NoError(t, err)
	t.Cleanup(func() { host2.Close() })

	host1.AddPeer(NewPeer(priv2.PublicKey(), addr2))

	waitFor(t, func() bool {
		p := host2.PeerStore().Load(priv1.PublicKey().String())
		return p != nil && p.Status() == PeerStatusConnected
	})
	waitFor(t, func() bool {
		p := host1.PeerStore().Load(priv2.PublicKey().String())
		return p != nil && p.Status() == PeerStatusConnected
	})

	p2 := host1.PeerStore().Load(priv2.PublicKey().String())
	p1 := host2.PeerStore().Load(priv1.PublicKey().String())

	sub := p1.SubscribeMsg()
	require.NoError(t, p2.WriteMsg([]byte("hello")))
	select {
	case e := <-sub.Events():
		assert.Equal(t, []byte("hello"), e.([]byte))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestServiceBroadcastsProposalAndSendsVote(t *testing.T) {
	priv1, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	priv2, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	addr1 := mustAddr(t, "/ip4/127.0.0.1/tcp/29111")
	addr2 := mustAddr(t, "/ip4/127.0.0.1/tcp/29112")

	host1, err := NewHost(priv1, addr1)
	require.NoError(t, err)
	t.Cleanup(func() { host1.Close() })
	host2, err := NewHost(priv2, addr2)
	require.NoError(t, err)
	t.Cleanup(func() { host2.Close() })

	svc1 := NewService(host1)
	svc2 := NewService(host2)

	host1.AddPeer(NewPeer(priv2.PublicKey(), addr2))
	waitFor(t, func() bool {
		p := host2.PeerStore().Load(priv1.PublicKey().String())
		return p != nil && p.Status() == PeerStatusConnected
	})
	waitFor(t, func() bool {
		p := host1.PeerStore().Load(priv2.PublicKey().String())
		return p != nil && p.Status() == PeerStatusConnected
	})

	subProposal := svc2.SubscribeProposal(4)
	blk := &wire.Block{Round: 1, Epoch: 1, Payload: wire.Payload{Kind: wire.PayloadNil}}
	blk.ID = blk.Sum()
	require.NoError(t, svc1.BroadcastProposal(blk))

	select {
	case e := <-subProposal.Events():
		got := e.(*wire.Block)
		assert.Equal(t, blk.Round, got.Round)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for proposal")
	}

	subFetch := svc1.SubscribeFetchRequest(4)
	require.NoError(t, svc2.SendFetchRequest(priv1.PublicKey(), &wire.FetchRequest{FromRound: 1, ToRound: 5}))
	select {
	case e := <-subFetch.Events():
		in := e.(recovery.InboundRequest)
		assert.Equal(t, uint64(1), in.Req.FromRound)
		assert.True(t, in.From.Equal(priv2.PublicKey()))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch request")
	}
}
