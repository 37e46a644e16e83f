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

package protocol

import "github.com/google/uuid"

// Origin tags a decoded command with where it entered the system. Commands
// read from a client connection are OriginLocal; commands carried inside a
// Broadcast line from a peer broker are OriginPeer. Registry operations use
// the tag to decide whether to relay, so it is decoded exactly once, at the
// protocol boundary.
type Origin int

const (
	// OriginLocal marks a command issued by a directly connected client.
	OriginLocal Origin = iota
	// OriginPeer marks a command replicated from another broker. Peer-origin
	// commands are applied but never relayed again.
	OriginPeer
)

// Role names as they appear on the wire.
const (
	RolePublisher  = "PUBLISHER"
	RoleSubscriber = "SUBSCRIBER"
)

// Command is the closed set of wire commands. Every variant knows how to
// render itself back into its exact wire form via wire(), which the
// replication layer uses when relaying local commands to peers.
type Command interface {
	wire() string
}

// ConnectPublisher binds the connection to the publisher role under Name.
type ConnectPublisher struct {
	Name string
}

// ConnectSubscriber binds the connection to the subscriber role under Name.
type ConnectSubscriber struct {
	Name string
}

// CreateTopic registers a new topic. A local CREATETOPIC line carries only
// the id and display name; the owner is the issuing session's identity and
// Owner is left empty. A replicated NEWTOPIC line carries the owner as its
// fourth field.
type CreateTopic struct {
	ID    uuid.UUID
	Name  string
	Owner string
}

// Publish delivers Content to the subscribers of topic ID. Publisher is the
// identity claimed by the sender and is checked against the topic owner.
type Publish struct {
	ID        uuid.UUID
	Content   string
	Publisher string
}

// Subscribe attaches subscriber Name (with its client-side origin port) to
// topic ID.
type Subscribe struct {
	ID   uuid.UUID
	Name string
	Port string
}

// Unsubscribe detaches subscriber Name from topic ID.
type Unsubscribe struct {
	ID   uuid.UUID
	Name string
	Port string
}

// SubscriberCount asks for the cluster-wide online subscriber count of a topic.
type SubscriberCount struct {
	ID uuid.UUID
}

// DeleteTopic removes topic ID. Requester must match the topic owner.
type DeleteTopic struct {
	ID        uuid.UUID
	Requester string
}

// ListTopics asks for a snapshot of all known topics.
type ListTopics struct{}

// Exit announces that a client of the given role is leaving. Replicated EXIT
// lines additionally carry the origin broker's post-decrement counter; Count
// is -1 when the field is absent.
type Exit struct {
	Role  string
	Count int
}

// Amount is the broker-to-broker counter snapshot sent when a peer link
// comes up.
type Amount struct {
	Publishers  int
	Subscribers int
}

// Remove tells peers to drop a name from their connected-publisher or
// connected-subscriber set.
type Remove struct {
	Role string
	Name string
}

// TopicInfo is one entry of a TOPICLIST reply.
type TopicInfo struct {
	ID    uuid.UUID
	Name  string
	Owner string
}
