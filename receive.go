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
	"net"
	"time"

	"golang.zx2c4.com/wireguard/conn"
)

/* Called when a new authenticated message has been received
 *
 * NOTE: Not thread safe, but called by sequential receiver!
 */
func (peer *peer) keepKeyFreshReceiving() {
	if peer.timers.sentLastMinuteHandshake.Load() {
		return
	}
	keypair := peer.keypairs.Current()
	if keypair != nil && keypair.isInitiator && peer.device.clock.Now().Sub(keypair.created) > (rejectAfterTime-keepaliveTimeout-rekeyTimeout) {
		peer.timers.sentLastMinuteHandshake.Store(true)
		peer.sendHandshakeInitiation(false)
	}
}

// isUnderLoad reports whether handshake messages must carry a valid MAC2.
// Load is sticky for underLoadAfterTime once the queue crosses the
// threshold.
func (e *Engine) isUnderLoad() bool {
	if e.rate.forced.Load() {
		return true
	}
	now := e.clock.Now()
	underLoad := e.queue.handshake.len() >= e.rate.threshold
	if underLoad {
		e.rate.underLoadUntil.Store(now.Add(underLoadAfterTime).UnixNano())
		return true
	}
	return e.rate.underLoadUntil.Load() > now.UnixNano()
}

/* Receives incoming datagrams for the engine
 *
 * Every time the bind is opened a new routine is started for
 * each receive function it returns.
 */
func (e *Engine) routineReceiveIncoming(maxBatchSize int, recv conn.ReceiveFunc) {
	defer func() {
		e.log.Trace("routine: receive incoming - stopped")
		e.queue.handshake.wg.Done()
		e.net.stopping.Done()
	}()

	e.log.Trace("routine: receive incoming - started")

	// receive datagrams until conn is closed

	var (
		bufsArrs    = make([]*[maxMessageSize]byte, maxBatchSize)
		bufs        = make([][]byte, maxBatchSize)
		err         error
		sizes       = make([]int, maxBatchSize)
		count       int
		endpoints   = make([]conn.Endpoint, maxBatchSize)
		deathSpiral int
	)

	for i := range bufsArrs {
		bufsArrs[i] = e.getMessageBuffer()
		bufs[i] = bufsArrs[i][:]
	}

	defer func() {
		for i := 0; i < maxBatchSize; i++ {
			if bufsArrs[i] != nil {
				e.putMessageBuffer(bufsArrs[i])
			}
		}
	}()

	for {
		count, err = recv(bufs, sizes, endpoints)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Debug("failed to receive packet", "error", err)
			if neterr, ok := err.(net.Error); ok && !neterr.Timeout() {
				return
			}
			if deathSpiral < 10 {
				deathSpiral++
				time.Sleep(time.Second / 3)
				continue
			}
			return
		}
		deathSpiral = 0

		// handle each packet in the batch
		for i, size := range sizes[:count] {
			if size < minMessageSize {
				e.metrics.dropped(dropMalformed)
				continue
			}

			// check size of packet

			packet := bufsArrs[i][:size]
			msgType := binary.LittleEndian.Uint32(packet[:4])

			switch msgType {

			// check if transport

			case messageTransportType:

				// check size

				if len(packet) < messageTransportSize {
					e.metrics.dropped(dropMalformed)
					continue
				}

				// lookup key pair

				receiver := binary.LittleEndian.Uint32(
					packet[4:messageTransportOffsetCounter],
				)
				value := e.indexTable.Lookup(receiver)
				keypair := value.keypair
				if keypair == nil {
					e.metrics.dropped(dropUnknownIndex)
					continue
				}

				// check keypair expiry

				if keypair.expired(e.clock.Now()) {
					e.metrics.dropped(dropExpiredKeypair)
					continue
				}

				// create work element
				peer := value.peer
				if !peer.isRunning.Load() {
					continue
				}
				elem := e.getInboundElement()
				elem.packet = packet
				elem.buffer = bufsArrs[i]
				elem.keypair = keypair
				elem.endpoint = endpoints[i]

				peer.queue.inbound.push(elem)
				bufsArrs[i] = e.getMessageBuffer()
				bufs[i] = bufsArrs[i][:]
				continue

			// otherwise it is a fixed size & handshake related packet

			case messageInitiationType:
				if len(packet) != messageInitiationSize {
					e.metrics.dropped(dropMalformed)
					continue
				}

			case messageResponseType:
				if len(packet) != messageResponseSize {
					e.metrics.dropped(dropMalformed)
					continue
				}

			case messageCookieReplyType:
				if len(packet) != messageCookieReplySize {
					e.metrics.dropped(dropMalformed)
					continue
				}

			default:
				e.log.Trace("received message with unknown type", "type", msgType)
				e.metrics.dropped(dropMalformed)
				continue
			}

			e.queue.handshake.push(queueHandshakeElement{
				msgType:  msgType,
				buffer:   bufsArrs[i],
				packet:   packet,
				endpoint: endpoints[i],
			})
			bufsArrs[i] = e.getMessageBuffer()
			bufs[i] = bufsArrs[i][:]
		}
	}
}

/* Handles incoming packets related to handshake
 */
func (e *Engine) routineHandshake(id int) {
	defer func() {
		e.log.Trace("routine: handshake worker - stopped", "worker", id)
		e.state.stopping.Done()
	}()
	e.log.Trace("routine: handshake worker - started", "worker", id)

	for elem := range e.queue.handshake.c {
		e.handleHandshake(&elem)
		e.putMessageBuffer(elem.buffer)
	}
}

func (e *Engine) handleHandshake(elem *queueHandshakeElement) {
	// handle cookie fields and ratelimiting

	switch elem.msgType {

	case messageCookieReplyType:

		// unmarshal packet

		var reply messageCookieReply
		reader := bytes.NewReader(elem.packet)
		err := binary.Read(reader, binary.LittleEndian, &reply)
		if err != nil {
			e.log.Debug("failed to decode cookie reply", "error", err)
			return
		}

		// lookup peer from index

		entry := e.indexTable.Lookup(reply.Receiver)
		if entry.peer == nil {
			return
		}

		// consume reply

		if peer := entry.peer; peer.isRunning.Load() {
			peer.log.Debug("receiving cookie response", "endpoint", elem.endpoint.DstToString())
			if !peer.cookieGenerator.ConsumeReply(&reply) {
				peer.log.Debug("could not decrypt invalid cookie response")
				return
			}
			e.metrics.handshake(handshakeCookieTaken)
		}
		return

	case messageInitiationType, messageResponseType:

		// check mac fields and maybe ratelimit

		if !e.cookieChecker.CheckMAC1(elem.packet) {
			e.log.Debug("received packet with invalid mac1")
			e.metrics.dropped(dropInvalidMAC)
			return
		}

		// endpoints destination address is the source of the datagram

		if e.isUnderLoad() {

			// verify MAC2 field

			if !e.cookieChecker.CheckMAC2(elem.packet, elem.endpoint.DstToBytes()) {
				e.sendHandshakeCookie(elem)
				return
			}

			// check ratelimiter

			if !e.rate.limiter.Allow(elem.endpoint.DstIP()) {
				e.metrics.dropped(dropRateLimited)
				return
			}
		}

	default:
		e.log.Error("invalid packet ended up in the handshake queue")
		return
	}

	// handle handshake initiation/response content

	switch elem.msgType {
	case messageInitiationType:

		// unmarshal

		var msg messageInitiation
		reader := bytes.NewReader(elem.packet)
		err := binary.Read(reader, binary.LittleEndian, &msg)
		if err != nil {
			e.log.Debug("failed to decode initiation message", "error", err)
			return
		}

		// consume initiation

		peer := e.consumeMessageInitiation(&msg)
		if peer == nil {
			e.log.Debug("received invalid initiation message", "endpoint", elem.endpoint.DstToString())
			e.metrics.handshake(handshakeFailed)
			return
		}

		// update timers

		peer.timersAnyAuthenticatedPacketTraversal()
		peer.timersAnyAuthenticatedPacketReceived()

		// update endpoint
		peer.SetEndpointFromPacket(elem.endpoint)

		peer.log.Debug("received handshake initiation")
		peer.rxBytes.Add(uint64(len(elem.packet)))

		peer.sendHandshakeResponse()

	case messageResponseType:

		// unmarshal

		var msg messageResponse
		reader := bytes.NewReader(elem.packet)
		err := binary.Read(reader, binary.LittleEndian, &msg)
		if err != nil {
			e.log.Debug("failed to decode response message", "error", err)
			return
		}

		// consume response

		peer := e.consumeMessageResponse(&msg)
		if peer == nil {
			e.log.Debug("received invalid response message", "endpoint", elem.endpoint.DstToString())
			e.metrics.handshake(handshakeFailed)
			return
		}

		// update endpoint
		peer.SetEndpointFromPacket(elem.endpoint)

		peer.log.Debug("received handshake response")
		peer.rxBytes.Add(uint64(len(elem.packet)))

		// update timers

		peer.timersAnyAuthenticatedPacketTraversal()
		peer.timersAnyAuthenticatedPacketReceived()

		// derive keypair

		err = peer.beginSymmetricSession()

		if err != nil {
			peer.log.Error("failed to derive keypair", "error", err)
			return
		}

		peer.timersSessionDerived()
		peer.timersHandshakeComplete()
		e.metrics.handshake(handshakeCompleted)
		peer.abandoned.Store(false)
		peer.setLifecycle(PeerEstablished)
		peer.sendKeepalive()
	}
}

/* Sequentially decrypts transport messages for one peer, so that the
 * replay window only ever moves forward in a single goroutine.
 *
 * Obs. Single instance per peer.
 */
func (peer *peer) routineSequentialReceiver(stop <-chan struct{}) {
	device := peer.device
	defer func() {
		peer.log.Trace("routine: sequential receiver - stopped")
		peer.stopping.Done()
	}()
	peer.log.Trace("routine: sequential receiver - started")

	bufs := make([][]byte, 1)
	for {
		var elem *queueInboundElement
		select {
		case <-stop:
			return
		case elem = <-peer.queue.inbound.c:
		}

		packet, ok := peer.receiveTransport(elem)
		if ok && len(packet) > 0 {
			out := make([]byte, messageTransportOffsetContent+len(packet))
			copy(out[messageTransportOffsetContent:], packet)
			bufs[0] = out
			_, err := device.tun.device.Write(bufs, messageTransportOffsetContent)
			if err != nil && !device.isClosed() {
				peer.log.Error("failed to write packet to TUN device", "error", err)
			}
		}
		device.putMessageBuffer(elem.buffer)
		device.putInboundElement(elem)
	}
}

// receiveTransport authenticates one transport message and returns the
// inner packet to deliver, if any.
func (peer *peer) receiveTransport(elem *queueInboundElement) ([]byte, bool) {
	device := peer.device

	// decrypt before touching any state

	content := elem.packet[messageTransportOffsetContent:]
	counter, plaintext, err := elem.keypair.open(content[:0], elem.packet)
	if err != nil {
		device.metrics.dropped(dropDecrypt)
		return nil, false
	}

	if !elem.keypair.acceptCounter(counter) {
		device.metrics.dropped(dropReplay)
		return nil, false
	}

	peer.SetEndpointFromPacket(elem.endpoint)
	if peer.receivedWithKeypair(elem.keypair) {
		peer.timersHandshakeComplete()
		device.metrics.handshake(handshakeCompleted)
		peer.abandoned.Store(false)
		peer.setLifecycle(PeerEstablished)
		peer.sendStagedPackets()
	}

	peer.keepKeyFreshReceiving()
	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketReceived()
	peer.rxBytes.Add(uint64(len(plaintext) + minMessageSize))
	device.metrics.received(len(elem.packet))

	if len(plaintext) == 0 {
		peer.log.Trace("receiving keepalive packet")
		return nil, true
	}
	peer.timersDataReceived()

	src, packet, ok := packetSource(plaintext)
	if !ok {
		device.metrics.dropped(dropMalformed)
		return nil, false
	}
	if device.peers.lookupDst(src) != peer {
		peer.log.Trace("packet has unallowed source IP", "src", src)
		device.metrics.dropped(dropDisallowedSource)
		return nil, false
	}
	return packet, true
}
