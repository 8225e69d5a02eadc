// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"time"
)

// Methods pushed to clients. All of them are notifications.
const (
	MethodIncomingDelivery        = "incomingDelivery"
	MethodIncomingDeliveryUpdated = "incomingDeliveryUpdated"
	MethodOutgoingDeliveryUpdated = "outgoingDeliveryUpdated"
	MethodDeliveriesReady         = "deliveriesReady"
)

// Peer is the live connection of a client.
type Peer interface {
	IsConnected() bool
	// OpenedAt returns the start of the current connection session.
	OpenedAt() time.Time
	Notify(method string, params any) error
}

// ConnectionRegistry resolves the live connection of a client.
type ConnectionRegistry interface {
	// ConnectionForClient returns nil when the client has no connection.
	ConnectionForClient(clientID string) Peer
}

// PushGateway notifies offline clients out of band.
type PushGateway interface {
	// SubmitPushRequest must not block.
	SubmitPushRequest(clientID string, isRetry bool)
}

// Metrics receives delivery engine measurements.
type Metrics interface {
	RecordDeliveryPass(d time.Duration, aborted bool)
	RecordDeliveryPush(method string, failed bool)
	RecordPushRequest()
}

type nopMetrics struct{}

func (nopMetrics) RecordDeliveryPass(time.Duration, bool) {}
func (nopMetrics) RecordDeliveryPush(string, bool)        {}
func (nopMetrics) RecordPushRequest()                     {}
