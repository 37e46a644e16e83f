// Copyright 2024 The pubsub-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package actor provides the minimal mailbox-and-loop abstraction used for
// per-connection concurrency: each client session runs as an actor draining
// a buffered mailbox of outbound messages.
package actor

import "context"

// Actor is a process that drains a mailbox until its context is canceled
// or it fails. Start blocks for the lifetime of the actor and returns the
// reason it stopped.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a buffered message queue feeding a single actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox with the given buffer capacity.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{messages: make(chan any, size)}
}

// Send enqueues a message, blocking while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend enqueues a message without blocking. It reports false when the
// buffer is full, which lets message fan-out skip one stalled receiver
// instead of stalling every other receiver behind it.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or the context is canceled, in
// which case it returns the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan exposes the underlying channel read-only, for callers that need to
// select over several sources at once.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
