package conn

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/metrics"
	"github.com/catchupnet/conode/p2p/frame"
)

// runHandshake drives the noise XX exchange to completion (spec.md
// §4.1, §4.4): message A carries the PSK-analog proof, B and C each
// carry one side's application-level Handshake. It writes directly to
// the socket rather than through the priority queues, since nothing
// else may be pending before the connection is registered.
func (c *Connection) runHandshake(ctx context.Context) error {
	if c.session.IsInitiator() {
		if err := c.handshakeAsInitiator(); err != nil {
			return err
		}
	} else {
		if err := c.handshakeAsResponder(); err != nil {
			return err
		}
	}

	cs1, cs2 := c.session.CipherStates()
	if c.session.IsInitiator() {
		c.csOut, c.csIn = cs1, cs2
	} else {
		c.csOut, c.csIn = cs2, cs1
	}

	c.setState(PostHandshake)
	c.stats.touch()
	metrics.PeersPreHandshake.Dec(1)
	metrics.PeersPostHandshake.Inc(1)
	c.logger.Info("handshake complete", "remote_id", c.remote.ID)

	if c.handler.SelfKind() == common.KindBootstrapper {
		if err := c.sendPeerListSnapshot(); err != nil {
			c.logger.Warn("failed to send initial peer list", "err", err)
		}
	}
	return nil
}

func (c *Connection) handshakeAsInitiator() error {
	proofFrame, err := c.session.WriteHandshakeMessage([]byte(frame.PSK))
	if err != nil {
		return err
	}
	if _, err := c.netConn.Write(proofFrame); err != nil {
		return errors.Wrap(err, "conn: write handshake message A")
	}

	bBody, err := c.readHandshakeFrame()
	if err != nil {
		return errors.Wrap(err, "conn: read handshake message B")
	}
	bPayload, err := c.session.ReadHandshakeMessage(bBody)
	if err != nil {
		return errors.Wrap(err, "conn: process handshake message B")
	}
	responderHandshake, err := common.DecodeHandshake(bPayload)
	if err != nil {
		return errors.Wrap(err, "conn: decode responder handshake")
	}
	if err := c.acceptRemoteHandshake(responderHandshake); err != nil {
		return err
	}

	selfHandshake := c.selfHandshake()
	cPayload, err := common.EncodeHandshake(selfHandshake)
	if err != nil {
		return err
	}
	cFrame, err := c.session.WriteHandshakeMessage(cPayload)
	if err != nil {
		return err
	}
	if _, err := c.netConn.Write(cFrame); err != nil {
		return errors.Wrap(err, "conn: write handshake message C")
	}
	return nil
}

func (c *Connection) handshakeAsResponder() error {
	aBody, err := c.readHandshakeFrame()
	if err != nil {
		return errors.Wrap(err, "conn: read handshake message A")
	}
	aPayload, err := c.session.ReadHandshakeMessage(aBody)
	if err != nil {
		return errors.Wrap(err, "conn: process handshake message A")
	}
	if !bytes.Equal(aPayload, []byte(frame.PSK)) {
		return fmt.Errorf("conn: handshake proof mismatch")
	}

	selfHandshake := c.selfHandshake()
	bPayload, err := common.EncodeHandshake(selfHandshake)
	if err != nil {
		return err
	}
	bFrame, err := c.session.WriteHandshakeMessage(bPayload)
	if err != nil {
		return err
	}
	if _, err := c.netConn.Write(bFrame); err != nil {
		return errors.Wrap(err, "conn: write handshake message B")
	}

	cBody, err := c.readHandshakeFrame()
	if err != nil {
		return errors.Wrap(err, "conn: read handshake message C")
	}
	cPayload, err := c.session.ReadHandshakeMessage(cBody)
	if err != nil {
		return errors.Wrap(err, "conn: process handshake message C")
	}
	initiatorHandshake, err := common.DecodeHandshake(cPayload)
	if err != nil {
		return errors.Wrap(err, "conn: decode initiator handshake")
	}
	return c.acceptRemoteHandshake(initiatorHandshake)
}

func (c *Connection) readHandshakeFrame() ([]byte, error) {
	limit := frame.SizeLimit(false)
	n, err := frame.ReadLengthPrefix(c.bufReader, limit)
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := readFull(c.bufReader, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Connection) selfHandshake() common.Handshake {
	return common.Handshake{
		RemoteID:   c.handler.SelfID(),
		RemotePort: c.handler.SelfPort(),
		Networks:   c.handler.SelfNetworks(),
		Version:    c.handler.Version(),
		Proof:      []byte(frame.PSK),
	}
}

// acceptRemoteHandshake applies ban and version checks, then promotes
// the connection to PostHandshake with the remote's identity recorded
// (spec.md §4.4 transitions).
func (c *Connection) acceptRemoteHandshake(h common.Handshake) error {
	remoteID := h.RemoteID

	if remoteID == c.handler.SelfID() {
		return errors.Wrapf(ErrSelfConnect, "remote id %s", remoteID)
	}
	if c.handler.IsBanned(remoteID, remoteAddrIP(c.netConn)) {
		return errors.Wrapf(ErrBanned, "remote id %s", remoteID)
	}
	if !h.CompatibleVersion() {
		return errors.Wrapf(ErrIncompatibleVersion, "version %q", h.Version)
	}

	c.mu.Lock()
	c.remote.ID = &remoteID
	c.remote.ObservedAddr = tcpAddrFrom(c.netConn)
	c.remote.ExternalPort = h.RemotePort
	c.remote.Kind = c.configuredKind
	c.remoteNetworks = h.Networks
	c.mu.Unlock()

	peer := c.RemotePeer().Peer()
	c.handler.RememberPeer(peer, h.Networks)
	return nil
}
