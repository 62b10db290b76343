// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package netmsg

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
)

const nonceSize = 32

// respondHandshake runs the listener side of the identity handshake that
// replaces noise's authenticated key exchange: the listener challenges
// the dialer with a random nonce and accepts the connection once the
// dialer proves it holds the private key behind its claimed public key.
func respondHandshake(conn net.Conn) (*crypto.PublicKey, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	if err := writeFrame(conn, nonce); err != nil {
		return nil, err
	}
	frame, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	pubKeyBytes, sigValue, err := splitHandshakeFrame(frame)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.NewSignature(sigValue, pubKeyBytes)
	if err != nil {
		return nil, err
	}
	if !sig.Verify(nonce) {
		return nil, fmt.Errorf("netmsg: handshake signature invalid")
	}
	return sig.PublicKey(), nil
}

// initiateHandshake runs the dialer side: read the listener's nonce, sign
// it, and prove identity.
func initiateHandshake(conn net.Conn, self *crypto.PrivateKey) error {
	nonce, err := readFrame(conn)
	if err != nil {
		return err
	}
	sig := self.Sign(nonce)
	return writeFrame(conn, joinHandshakeFrame(self.PublicKey().Bytes(), sig.Value()))
}

func joinHandshakeFrame(pubKey, sigValue []byte) []byte {
	out := make([]byte, 4+len(pubKey)+len(sigValue))
	binary.BigEndian.PutUint32(out, uint32(len(pubKey)))
	copy(out[4:], pubKey)
	copy(out[4+len(pubKey):], sigValue)
	return out
}

func splitHandshakeFrame(frame []byte) (pubKey, sigValue []byte, err error) {
	if len(frame) < 4 {
		return nil, nil, fmt.Errorf("netmsg: truncated handshake frame")
	}
	n := binary.BigEndian.Uint32(frame)
	if int(n) > len(frame)-4 {
		return nil, nil, fmt.Errorf("netmsg: truncated handshake frame")
	}
	return frame[4 : 4+n], frame[4+n:], nil
}

func writeFrame(conn net.Conn, b []byte) error {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(b)))
	if _, err := conn.Write(prefix); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(conn, prefix); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix)
	if size > MessageSizeLimit {
		return nil, fmt.Errorf("netmsg: handshake frame too large")
	}
	b := make([]byte, size)
	_, err := io.ReadFull(conn, b)
	return b, err
}
