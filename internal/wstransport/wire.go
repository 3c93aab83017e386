// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wstransport

import (
	"github.com/contextsync/contextsync/core/change"
	"github.com/contextsync/contextsync/core/subscription"
)

// Message types exchanged over a sync websocket connection.
const (
	// MessageSubscribe registers or replaces the client's filters.
	MessageSubscribe = "subscribe"
	// MessageUnsubscribe drops the client's subscription and any
	// queued deliveries.
	MessageUnsubscribe = "unsubscribe"
	// MessageAck confirms receipt of a change.
	MessageAck = "ack"
	// MessageChange carries a broadcast change to the client.
	MessageChange = "change"
	// MessageError reports a request the server rejected.
	MessageError = "error"
)

// clientMessage is what a client sends to the server.
type clientMessage struct {
	Type     string                `json:"type"`
	Filters  []subscription.Filter `json:"filters,omitempty"`
	ChangeID string                `json:"change_id,omitempty"`
}

// serverMessage is what the server sends to a client.
type serverMessage struct {
	Type   string         `json:"type"`
	Change *change.Change `json:"change,omitempty"`
	Error  string         `json:"error,omitempty"`
}
