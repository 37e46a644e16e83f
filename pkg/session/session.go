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

// package session provides the actor implementation for a single client
// connection. The session actor is the only writer of push messages to its
// socket; the topic registry delivers to sessions exclusively through their
// mailboxes.
package session

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/turtacn/pubsub-go/pkg/actor"
	"github.com/turtacn/pubsub-go/pkg/protocol"
)

// Role is the one-time role binding of a session.
type Role int

const (
	// RoleNone is the initial state before a PUBLISHER or SUBSCRIBER command.
	RoleNone Role = iota
	// RolePublisher marks a session bound by a PUBLISHER command.
	RolePublisher
	// RoleSubscriber marks a session bound by a SUBSCRIBER command.
	RoleSubscriber
)

// String returns the wire spelling of the role.
func (r Role) String() string {
	switch r {
	case RolePublisher:
		return protocol.RolePublisher
	case RoleSubscriber:
		return protocol.RoleSubscriber
	}
	return "UNBOUND"
}

// Message is sent to a session actor when a message is published to a topic
// the session is subscribed to.
type Message struct {
	TopicID   uuid.UUID
	TopicName string
	Content   string
}

// TopicDeleted is sent to a session actor when one of its subscribed topics
// is removed.
type TopicDeleted struct {
	TopicID   uuid.UUID
	TopicName string
}

// Session owns the write side of one client connection. The read loop lives
// in the broker; replies to commands and asynchronous pushes are funneled
// through WriteLine so they never interleave mid-line.
type Session struct {
	ID   string
	conn io.Writer
	mu   sync.Mutex
}

// New creates a session for a connection. id is used for logging only.
func New(id string, conn io.Writer) *Session {
	return &Session{ID: id, conn: conn}
}

// WriteLine writes a single protocol line to the client, appending the line
// terminator. Safe for concurrent use by the broker's reply path and the
// session actor.
func (s *Session) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.conn, line+"\n")
	return err
}

// Start is the main loop for the session actor. It drains the mailbox and
// writes the corresponding push lines. A write error terminates the actor
// cleanly: the connection is gone, a restart could not revive it, and the
// broker's read loop performs the cleanup.
func (s *Session) Start(ctx context.Context, mb *actor.Mailbox) error {
	log.Printf("Session actor started for %s", s.ID)
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			log.Printf("Session actor for %s shutting down: %v", s.ID, err)
			return nil
		}

		switch m := msg.(type) {
		case Message:
			if err := s.WriteLine(protocol.EncodeMessage(m.TopicID, m.TopicName, m.Content)); err != nil {
				log.Printf("Error writing to client %s: %v", s.ID, err)
				return nil
			}
		case TopicDeleted:
			if err := s.WriteLine(protocol.EncodeTopicDeleted(m.TopicID, m.TopicName)); err != nil {
				log.Printf("Error writing to client %s: %v", s.ID, err)
				return nil
			}
		default:
			log.Printf("Session actor for %s received unknown message type: %T", s.ID, m)
		}
	}
}
