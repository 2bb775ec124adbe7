// Package relay hands generated tokens from a worker goroutine to the
// goroutine writing the HTTP stream.
package relay

import (
	"context"
	"sync"
)

// DefaultBuffer is the channel capacity used when none is given.
const DefaultBuffer = 256

// Message is one item carried by a Relay. A Final message is the terminal
// sentinel; it never carries a token and is delivered exactly once.
type Message struct {
	Token string
	Final bool
	Err   error
}

// Relay is a single-producer, single-consumer FIFO of tokens terminated by a
// sentinel. Put blocks only while the buffer is full.
type Relay struct {
	ch chan Message

	mu     sync.Mutex
	sealed bool
	once   sync.Once
}

// New creates a relay with the given buffer size.
func New(buffer int) *Relay {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Relay{ch: make(chan Message, buffer)}
}

// Put enqueues a token. Tokens put after Finish are dropped. Returns false
// when the token was dropped.
func (r *Relay) Put(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	r.ch <- Message{Token: token}
	return true
}

// Finish enqueues the terminal sentinel carrying err. Only the first call has
// an effect.
func (r *Relay) Finish(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.sealed = true
		r.ch <- Message{Final: true, Err: err}
		close(r.ch)
	})
}

// Get blocks until the next message is available or ctx is done.
// After the sentinel has been read, Get keeps returning a Final message.
func (r *Relay) Get(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-r.ch:
		if !ok {
			return Message{Final: true}, nil
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Len returns the number of buffered messages.
func (r *Relay) Len() int {
	return len(r.ch)
}
