// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"sync"

	"github.com/juju/errors"

	"github.com/contextsync/contextsync/core/change"
	contextsync "github.com/contextsync/contextsync/sync"
)

// lazyTransport breaks the construction cycle between the engine and
// the websocket server: the engine needs a transport before the
// server, which needs the engine, exists. Sends before the server is
// set fail and land on the redelivery queue.
type lazyTransport struct {
	mu     sync.Mutex
	target contextsync.Transport
}

func (t *lazyTransport) set(target contextsync.Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = target
}

// Send is part of the sync Transport contract.
func (t *lazyTransport) Send(clientID string, ch change.Change) error {
	t.mu.Lock()
	target := t.target
	t.mu.Unlock()
	if target == nil {
		return errors.New("transport not ready")
	}
	return target.Send(clientID, ch)
}
