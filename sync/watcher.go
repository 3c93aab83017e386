// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sync

import (
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/contextsync/contextsync/core/change"
)

// SubscriptionHandle streams a subscribed client's matched changes
// over a channel for in-process consumers. It is a worker; killing it
// detaches from the hub and closes nothing the caller still reads, so
// pending sends are simply abandoned.
type SubscriptionHandle struct {
	tomb    tomb.Tomb
	changes chan change.Change
}

// Watch returns a handle streaming the matched changes for a
// subscribed client. The handle is tied to the engine's lifetime.
// Killing the handle only stops the stream; the subscription and its
// delivery queue survive until Unsubscribe releases them.
func (e *Engine) Watch(clientID string) (*SubscriptionHandle, error) {
	if _, ok := e.registry.Subscription(clientID); !ok {
		return nil, errors.NotFoundf("subscription for client %q", clientID)
	}
	h := &SubscriptionHandle{
		changes: make(chan change.Change),
	}
	unsub := e.hub.Subscribe(changeTopic, func(_ string, data interface{}) {
		env, ok := data.(envelope)
		if !ok || !env.matched.Contains(clientID) {
			return
		}
		select {
		case h.changes <- env.change:
		case <-h.tomb.Dying():
		}
	})
	h.tomb.Go(func() error {
		defer unsub()
		<-h.tomb.Dying()
		return nil
	})
	if err := e.catacomb.Add(h); err != nil {
		h.Kill()
		return nil, errors.Trace(err)
	}
	return h, nil
}

// Changes returns the stream of matched changes, in publish order.
func (h *SubscriptionHandle) Changes() <-chan change.Change {
	return h.changes
}

// Kill is part of the worker.Worker interface.
func (h *SubscriptionHandle) Kill() {
	h.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (h *SubscriptionHandle) Wait() error {
	return h.tomb.Wait()
}
