// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package internal

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrConnectionDown is the cancellation cause of request contexts whose
// connection dropped while the request was in flight.
var ErrConnectionDown = errors.New("connection down")

type (
	// ConnectionTracker tracks the currently connected client. Clients are
	// replaced on every reconnection.
	ConnectionTracker[Client comparable] struct {
		mu     sync.RWMutex
		client Client

		// Closed while a client is connected.
		up chan struct{}

		// Closed once the current client disconnects.
		down *Background

		// Closed permanently when the tracker is shut down.
		closed chan struct{}
		close  func()
	}
)

func NewConnectionTracker[Client comparable]() *ConnectionTracker[Client] {
	closed := make(chan struct{})
	t := &ConnectionTracker[Client]{
		up:     make(chan struct{}),
		down:   NewBackground(ErrConnectionDown),
		closed: closed,
		close:  sync.OnceFunc(func() { close(closed) }),
	}

	// Down is closed iff no client is connected.
	t.down.Close()
	return t
}

// Connect records a freshly connected client and wakes waiting requests.
func (t *ConnectionTracker[Client]) Connect(client Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero Client
	if t.client == zero {
		close(t.up)
	} else {
		t.down.Close()
	}

	t.client = client
	t.down = NewBackground(ErrConnectionDown)
}

// Disconnect clears the client if it is still the current one. It reports
// whether the state changed.
func (t *ConnectionTracker[Client]) Disconnect(client Client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero Client
	if t.client == zero || t.client != client {
		return false
	}

	t.client = zero
	t.up = make(chan struct{})
	t.down.Close()
	return true
}

// Current returns the connected client, if any.
func (t *ConnectionTracker[Client]) Current() (Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero Client
	return t.client, t.client != zero
}

// Close permanently stops the tracker; pending and future Client iterations
// end immediately.
func (t *ConnectionTracker[Client]) Close() {
	t.close()
}

func (t *ConnectionTracker[Client]) state() (Client, chan struct{}, *Background) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client, t.up, t.down
}

// Client yields the current client together with a context that is cancelled
// if that client disconnects. The caller should break out of the loop once
// its request completes, or continue to retry on the next connection. The
// loop ends on its own only when ctx is done or the tracker is closed.
func (t *ConnectionTracker[Client]) Client(
	ctx context.Context,
) iter.Seq2[context.Context, Client] {
	return func(yield func(context.Context, Client) bool) {
		for {
			client, up, down := t.state()

			var zero Client
			if client == zero {
				select {
				case <-ctx.Done():
					return
				case <-t.closed:
					return
				case <-up:
					continue
				}
			}

			if !func() bool {
				ctx, cancel := down.With(ctx)
				defer cancel()
				return yield(ctx, client)
			}() {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			case <-down.Done():
			}
		}
	}
}
