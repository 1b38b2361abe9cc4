/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
)

/* Outbound flow
 *
 * 1. TUN queue
 * 2. Routing by allowed IPs (sequential)
 * 3. Staging until a keypair is available
 * 4. Nonce assignment (sequential)
 * 5. Encryption and transmission (sequential, per peer)
 *
 * The functions in this file occur (roughly) in the order in
 * which the packets are processed.
 *
 * The content of every element is preceded by enough "junk" to contain
 * the transport header, so transport messages are built in-place.
 */

/* Queues a keepalive if no packets are queued for peer
 */
func (peer *peer) sendKeepalive() {
	if peer.queue.staged.len() == 0 && peer.isRunning.Load() {
		elem := peer.device.newOutboundElement()
		elem.packet = elem.buffer[messageTransportHeaderSize:messageTransportHeaderSize]
		select {
		case peer.queue.staged.c <- elem:
			peer.log.Trace("sending keepalive packet")
		default:
			peer.device.putMessageBuffer(elem.buffer)
			peer.device.putOutboundElement(elem)
		}
	}
	peer.sendStagedPackets()
}

func (peer *peer) sendHandshakeInitiation(isRetry bool) error {
	device := peer.device
	if device.role() != RoleInitiator {
		return nil
	}

	if !isRetry {
		peer.timers.handshakeAttempts.Store(0)
	}

	now := device.clock.Now()
	peer.handshake.mutex.RLock()
	if now.Sub(peer.handshake.lastSentHandshake) < rekeyTimeout {
		peer.handshake.mutex.RUnlock()
		return nil
	}
	peer.handshake.mutex.RUnlock()

	peer.handshake.mutex.Lock()
	if now.Sub(peer.handshake.lastSentHandshake) < rekeyTimeout {
		peer.handshake.mutex.Unlock()
		return nil
	}
	peer.handshake.lastSentHandshake = now
	peer.handshake.mutex.Unlock()

	peer.log.Debug("sending handshake initiation")

	msg, err := device.createMessageInitiation(peer)
	if err != nil {
		peer.log.Error("failed to create initiation message", "error", err)
		return err
	}

	var buff [messageInitiationSize]byte
	writer := bytes.NewBuffer(buff[:0])
	binary.Write(writer, binary.LittleEndian, msg)
	packet := writer.Bytes()
	peer.cookieGenerator.AddMacs(packet)

	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()

	peer.abandoned.Store(false)
	peer.setLifecycle(PeerHandshakeInitiated)

	err = peer.SendBuffers([][]byte{packet})
	if err != nil {
		peer.log.Debug("failed to send handshake initiation", "error", err)
	}
	device.metrics.handshake(handshakeSent)
	peer.timersHandshakeInitiated()

	return err
}

func (peer *peer) sendHandshakeResponse() error {
	device := peer.device

	peer.handshake.mutex.Lock()
	peer.handshake.lastSentHandshake = device.clock.Now()
	peer.handshake.mutex.Unlock()

	peer.log.Debug("sending handshake response")

	response, err := device.createMessageResponse(peer)
	if err != nil {
		peer.log.Error("failed to create response message", "error", err)
		return err
	}

	var buff [messageResponseSize]byte
	writer := bytes.NewBuffer(buff[:0])
	binary.Write(writer, binary.LittleEndian, response)
	packet := writer.Bytes()
	peer.cookieGenerator.AddMacs(packet)

	err = peer.beginSymmetricSession()
	if err != nil {
		peer.log.Error("failed to derive keypair", "error", err)
		return err
	}

	peer.timersSessionDerived()
	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()

	err = peer.SendBuffers([][]byte{packet})
	if err != nil {
		peer.log.Debug("failed to send handshake response", "error", err)
	}
	device.metrics.handshake(handshakeResponded)
	return err
}

func (e *Engine) sendHandshakeCookie(initiatingElem *queueHandshakeElement) error {
	e.log.Trace("sending cookie response for denied handshake message", "endpoint", initiatingElem.endpoint.DstToString())

	sender := binary.LittleEndian.Uint32(initiatingElem.packet[4:8])
	reply, err := e.cookieChecker.CreateReply(initiatingElem.packet, sender, initiatingElem.endpoint.DstToBytes())
	if err != nil {
		e.log.Error("failed to create cookie response", "error", err)
		return err
	}

	var buff [messageCookieReplySize]byte
	writer := bytes.NewBuffer(buff[:0])
	binary.Write(writer, binary.LittleEndian, reply)

	e.net.RLock()
	defer e.net.RUnlock()
	err = e.net.bind.Send([][]byte{writer.Bytes()}, initiatingElem.endpoint)
	if err == nil {
		e.metrics.handshake(handshakeCookieSent)
	}
	return err
}

func (peer *peer) keepKeyFreshSending() {
	keypair := peer.keypairs.Current()
	if keypair == nil {
		return
	}
	nonce := keypair.sendNonce.Load()
	if nonce > rekeyAfterMessages || (keypair.isInitiator && peer.device.clock.Now().Sub(keypair.created) > rekeyAfterTime) {
		peer.sendHandshakeInitiation(false)
	}
}

// Reads packets from the TUN device and stages them on the peer that owns
// the destination address.
func (e *Engine) routineReadFromTUN() {
	defer func() {
		e.log.Trace("routine: TUN reader - stopped")
		e.state.stopping.Done()
	}()

	e.log.Trace("routine: TUN reader - started")

	var (
		batchSize = e.tun.device.BatchSize()
		readErr   error
		elems     = make([]*queueOutboundElement, batchSize)
		bufs      = make([][]byte, batchSize)
		sizes     = make([]int, batchSize)
		count     int
		offset    = messageTransportHeaderSize
	)

	for i := range elems {
		elems[i] = e.newOutboundElement()
		bufs[i] = elems[i].buffer[:]
	}

	defer func() {
		for _, elem := range elems {
			if elem != nil {
				e.putMessageBuffer(elem.buffer)
				e.putOutboundElement(elem)
			}
		}
	}()

	for {
		// read packets

		count, readErr = e.tun.device.Read(bufs, sizes, offset)
		for i := 0; i < count; i++ {
			if sizes[i] < 1 || sizes[i] > maxContentSize {
				continue
			}

			elem := elems[i]
			elem.packet = bufs[i][offset : offset+sizes[i]]

			// lookup peer

			dst, ok := packetDestination(elem.packet)
			if !ok {
				e.metrics.dropped(dropMalformed)
				continue
			}
			peer := e.peers.lookupDst(dst)
			if peer == nil {
				e.metrics.dropped(dropNoRoute)
				continue
			}
			if !peer.isRunning.Load() {
				continue
			}

			peer.stagePacket(elem)
			elems[i] = e.newOutboundElement()
			bufs[i] = elems[i].buffer[:]
			peer.sendStagedPackets()
		}

		if readErr != nil {
			if !e.isClosed() {
				if !errors.Is(readErr, os.ErrClosed) {
					e.log.Error("failed to read packet from TUN device", "error", readErr)
				} else {
					e.log.Info("closing engine because TUN device closed", "error", readErr)
				}
				go e.Close()
			}
			return
		}
	}
}

func (peer *peer) stagePacket(elem *queueOutboundElement) {
	if !peer.queue.staged.push(elem) {
		peer.log.Trace("staged queue full, packet dropped")
	}
}

func (peer *peer) sendStagedPackets() {
top:
	if peer.queue.staged.len() == 0 || !peer.device.isUp() {
		return
	}

	keypair := peer.keypairs.Current()
	if keypair == nil || keypair.sendNonce.Load() >= rejectAfterMessages || keypair.expired(peer.device.clock.Now()) {
		peer.sendHandshakeInitiation(false)
		return
	}

	for {
		select {
		case elem := <-peer.queue.staged.c:
			elem.peer = peer
			var ok bool
			elem.nonce, ok = keypair.nextNonce()
			if !ok {
				keypair.sendNonce.Store(rejectAfterMessages)
				peer.stagePacket(elem) // XXX: Out of order, but we can't front-load go chans
				goto top
			}

			elem.keypair = keypair

			// add to sequential queue
			if peer.isRunning.Load() {
				peer.queue.outbound.push(elem)
			} else {
				peer.device.putMessageBuffer(elem.buffer)
				peer.device.putOutboundElement(elem)
			}
		default:
			return
		}
	}
}

func (peer *peer) flushStagedPackets() {
	for {
		select {
		case elem := <-peer.queue.staged.c:
			peer.device.putMessageBuffer(elem.buffer)
			peer.device.putOutboundElement(elem)
		default:
			return
		}
	}
}

func calculatePaddingSize(packetSize, mtu int) int {
	lastUnit := packetSize
	if mtu == 0 {
		return ((lastUnit + paddingMultiple - 1) & ^(paddingMultiple - 1)) - lastUnit
	}
	if lastUnit > mtu {
		lastUnit %= mtu
	}
	paddedSize := (lastUnit + paddingMultiple - 1) & ^(paddingMultiple - 1)
	if paddedSize > mtu {
		paddedSize = mtu
	}
	return paddedSize - lastUnit
}

/* Sequentially encrypts packets from the outbound queue
 * and sends them to the peer's endpoint.
 *
 * Obs. Single instance per peer.
 * The routine terminates when stop is closed.
 */
func (peer *peer) routineSequentialSender(stop <-chan struct{}) {
	device := peer.device
	defer func() {
		peer.log.Trace("routine: sequential sender - stopped")
		peer.stopping.Done()
	}()
	peer.log.Trace("routine: sequential sender - started")

	var paddingZeros [paddingMultiple]byte

	for {
		var elem *queueOutboundElement
		select {
		case <-stop:
			return
		case elem = <-peer.queue.outbound.c:
		}

		if !peer.isRunning.Load() {
			// peer has been stopped; return re-usable elems to the shared pool.
			device.putMessageBuffer(elem.buffer)
			device.putOutboundElement(elem)
			continue
		}

		// pad content to multiple of 16 and encrypt in place

		paddingSize := calculatePaddingSize(len(elem.packet), int(device.tun.mtu.Load()))
		elem.packet = append(elem.packet, paddingZeros[:paddingSize]...)
		elem.packet = elem.keypair.seal(elem.buffer[:], elem.nonce, elem.packet)

		peer.timersAnyAuthenticatedPacketTraversal()
		peer.timersAnyAuthenticatedPacketSent()

		// send message and return buffer to pool

		err := peer.SendBuffers([][]byte{elem.packet})
		isData := len(elem.packet) != messageKeepaliveSize
		if isData {
			peer.timersDataSent()
		}
		if err == nil {
			device.metrics.transmitted(len(elem.packet))
		}
		device.putMessageBuffer(elem.buffer)
		device.putOutboundElement(elem)
		if err != nil {
			peer.log.Debug("failed to send data packet", "error", err)
			continue
		}

		peer.keepKeyFreshSending()
	}
}
