/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type dropReason string

const (
	dropQueueFull        dropReason = "queue_full"
	dropMalformed        dropReason = "malformed"
	dropUnknownIndex     dropReason = "unknown_index"
	dropExpiredKeypair   dropReason = "expired_keypair"
	dropDecrypt          dropReason = "decrypt"
	dropReplay           dropReason = "replay"
	dropDisallowedSource dropReason = "disallowed_source"
	dropNoRoute          dropReason = "no_route"
	dropInvalidMAC       dropReason = "invalid_mac"
	dropRateLimited      dropReason = "rate_limited"
)

type handshakeResult string

const (
	handshakeSent        handshakeResult = "initiation_sent"
	handshakeResponded   handshakeResult = "response_sent"
	handshakeCompleted   handshakeResult = "completed"
	handshakeFailed      handshakeResult = "failed"
	handshakeAbandoned   handshakeResult = "abandoned"
	handshakeCookieSent  handshakeResult = "cookie_sent"
	handshakeCookieTaken handshakeResult = "cookie_consumed"
)

// metrics are the engine's prometheus collectors. Engines that share a
// registerer share the collectors.
type metrics struct {
	handshakes *prometheus.CounterVec
	drops      *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	sessions   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelguard",
			Name:      "handshakes_total",
			Help:      "Handshake messages and outcomes by result.",
		}, []string{"result"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelguard",
			Name:      "packets_dropped_total",
			Help:      "Packets discarded by reason.",
		}, []string{"reason"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelguard",
			Name:      "transport_bytes_total",
			Help:      "Bytes carried over established sessions.",
		}, []string{"direction"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnelguard",
			Name:      "sessions_established",
			Help:      "Peers with a usable session.",
		}),
	}
	if reg == nil {
		return m
	}
	m.handshakes = register(reg, m.handshakes)
	m.drops = register(reg, m.drops)
	m.bytes = register(reg, m.bytes)
	m.sessions = register(reg, m.sessions)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) dropped(reason dropReason) {
	m.drops.WithLabelValues(string(reason)).Inc()
}

func (m *metrics) handshake(result handshakeResult) {
	m.handshakes.WithLabelValues(string(result)).Inc()
}

func (m *metrics) transmitted(n int) {
	m.bytes.WithLabelValues("tx").Add(float64(n))
}

func (m *metrics) received(n int) {
	m.bytes.WithLabelValues("rx").Add(float64(n))
}
