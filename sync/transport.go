// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sync

import (
	"github.com/contextsync/contextsync/core/change"
)

// Transport delivers changes to connected clients. Implementations
// route by client id; a client that cannot be reached returns an
// error, which places the change on that client's redelivery queue.
type Transport interface {
	Send(clientID string, ch change.Change) error
}
