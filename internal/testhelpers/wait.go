// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testhelpers holds shared timing constants for tests.
package testhelpers

import "time"

const (
	// LongWait is the upper bound a test should wait for something
	// that is expected to happen.
	LongWait = 10 * time.Second
	// ShortWait is how long a test waits to be reasonably sure that
	// something expected NOT to happen did not happen.
	ShortWait = 50 * time.Millisecond
)
