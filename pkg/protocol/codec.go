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

// Package protocol implements the newline-delimited, colon-separated wire
// protocol spoken by clients, brokers, and peer brokers. It decodes raw
// lines into a closed set of typed commands, detects the Broadcast marker
// that distinguishes replicated traffic from locally originated traffic,
// and renders replies and push messages. All field-count and UUID
// validation lives here so the broker only ever sees well-formed commands.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCommand is returned for unknown commands and for lines whose
// field count or field contents do not match the command's shape.
var ErrInvalidCommand = errors.New("invalid command")

// broadcastToken prefixes every line relayed between brokers.
const broadcastToken = "Broadcast"

// TimestampLayout is the display timestamp format for published messages
// (dd/MM HH:mm:ss).
const TimestampLayout = "02/01 15:04:05"

// Parse decodes a single wire line into a typed command and its origin.
// A leading Broadcast token is stripped and yields OriginPeer.
func Parse(line string) (Command, Origin, error) {
	origin := OriginLocal
	parts := strings.Split(strings.TrimRight(line, "\r\n"), ":")
	if parts[0] == broadcastToken {
		parts = parts[1:]
		origin = OriginPeer
	}
	if len(parts) == 0 || parts[0] == "" {
		return nil, origin, fmt.Errorf("%w: empty line", ErrInvalidCommand)
	}

	cmd, err := decode(parts)
	if err != nil {
		return nil, origin, err
	}
	return cmd, origin, nil
}

func decode(parts []string) (Command, error) {
	switch parts[0] {
	case "PUBLISHER":
		if len(parts) != 2 {
			return nil, badShape(parts[0])
		}
		return ConnectPublisher{Name: parts[1]}, nil

	case "SUBSCRIBER":
		if len(parts) != 2 {
			return nil, badShape(parts[0])
		}
		return ConnectSubscriber{Name: parts[1]}, nil

	case "CREATETOPIC":
		if len(parts) != 3 {
			return nil, badShape(parts[0])
		}
		id, err := parseTopicID(parts[1])
		if err != nil {
			return nil, err
		}
		return CreateTopic{ID: id, Name: parts[2]}, nil

	case "NEWTOPIC":
		if len(parts) != 4 {
			return nil, badShape(parts[0])
		}
		id, err := parseTopicID(parts[1])
		if err != nil {
			return nil, err
		}
		return CreateTopic{ID: id, Name: parts[2], Owner: parts[3]}, nil

	case "PUBLISH":
		if len(parts) != 4 {
			return nil, badShape(parts[0])
		}
		id, err := parseTopicID(parts[1])
		if err != nil {
			return nil, err
		}
		return Publish{ID: id, Content: parts[2], Publisher: parts[3]}, nil

	case "SUBSCRIBE":
		if len(parts) != 4 {
			return nil, badShape(parts[0])
		}
		id, err := parseTopicID(parts[1])
		if err != nil {
			return nil, err
		}
		return Subscribe{ID: id, Name: parts[2], Port: parts[3]}, nil

	case "UNSUBSCRIBE":
		if len(parts) != 4 {
			return nil, badShape(parts[0])
		}
		id, err := parseTopicID(parts[1])
		if err != nil {
			return nil, err
		}
		return Unsubscribe{ID: id, Name: parts[2], Port: parts[3]}, nil

	case "GETSUBSCRIBERCOUNT":
		if len(parts) != 2 {
			return nil, badShape(parts[0])
		}
		id, err := parseTopicID(parts[1])
		if err != nil {
			return nil, err
		}
		return SubscriberCount{ID: id}, nil

	case "DELETETOPIC":
		if len(parts) != 3 {
			return nil, badShape(parts[0])
		}
		id, err := parseTopicID(parts[1])
		if err != nil {
			return nil, err
		}
		return DeleteTopic{ID: id, Requester: parts[2]}, nil

	case "LISTTOPICS":
		if len(parts) != 1 {
			return nil, badShape(parts[0])
		}
		return ListTopics{}, nil

	case "EXIT":
		if len(parts) != 2 && len(parts) != 3 {
			return nil, badShape(parts[0])
		}
		if err := checkRole(parts[1]); err != nil {
			return nil, err
		}
		count := -1
		if len(parts) == 3 {
			n, err := strconv.Atoi(parts[2])
			if err != nil {
				return nil, fmt.Errorf("%w: EXIT count %q", ErrInvalidCommand, parts[2])
			}
			count = n
		}
		return Exit{Role: parts[1], Count: count}, nil

	case "AMOUNT":
		if len(parts) != 3 {
			return nil, badShape(parts[0])
		}
		pubs, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: AMOUNT %q", ErrInvalidCommand, parts[1])
		}
		subs, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: AMOUNT %q", ErrInvalidCommand, parts[2])
		}
		return Amount{Publishers: pubs, Subscribers: subs}, nil

	case "REMOVE":
		if len(parts) != 3 {
			return nil, badShape(parts[0])
		}
		if err := checkRole(parts[1]); err != nil {
			return nil, err
		}
		return Remove{Role: parts[1], Name: parts[2]}, nil
	}

	return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, parts[0])
}

func badShape(cmd string) error {
	return fmt.Errorf("%w: wrong field count for %s", ErrInvalidCommand, cmd)
}

func parseTopicID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: topic id %q", ErrInvalidCommand, s)
	}
	return id, nil
}

func checkRole(role string) error {
	if role != RolePublisher && role != RoleSubscriber {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidCommand, role)
	}
	return nil
}

// Marshal renders a command back into its wire form, without a trailing
// newline.
func Marshal(cmd Command) string {
	return cmd.wire()
}

// MarshalBroadcast renders a command as a replication line for a peer
// broker.
func MarshalBroadcast(cmd Command) string {
	return broadcastToken + ":" + cmd.wire()
}

func (c ConnectPublisher) wire() string  { return RolePublisher + ":" + c.Name }
func (c ConnectSubscriber) wire() string { return RoleSubscriber + ":" + c.Name }

// CreateTopic relays as NEWTOPIC once the owner is known; a freshly decoded
// local CREATETOPIC (empty owner) renders back in its client form.
func (c CreateTopic) wire() string {
	if c.Owner != "" {
		return fmt.Sprintf("NEWTOPIC:%s:%s:%s", c.ID, c.Name, c.Owner)
	}
	return fmt.Sprintf("CREATETOPIC:%s:%s", c.ID, c.Name)
}

func (c Publish) wire() string {
	return fmt.Sprintf("PUBLISH:%s:%s:%s", c.ID, c.Content, c.Publisher)
}

func (c Subscribe) wire() string {
	return fmt.Sprintf("SUBSCRIBE:%s:%s:%s", c.ID, c.Name, c.Port)
}

func (c Unsubscribe) wire() string {
	return fmt.Sprintf("UNSUBSCRIBE:%s:%s:%s", c.ID, c.Name, c.Port)
}

func (c SubscriberCount) wire() string { return "GETSUBSCRIBERCOUNT:" + c.ID.String() }

func (c DeleteTopic) wire() string {
	return fmt.Sprintf("DELETETOPIC:%s:%s", c.ID, c.Requester)
}

func (c ListTopics) wire() string { return "LISTTOPICS" }

func (c Exit) wire() string {
	if c.Count >= 0 {
		return fmt.Sprintf("EXIT:%s:%d", c.Role, c.Count)
	}
	return "EXIT:" + c.Role
}

func (c Amount) wire() string {
	return fmt.Sprintf("AMOUNT:%d:%d", c.Publishers, c.Subscribers)
}

func (c Remove) wire() string { return fmt.Sprintf("REMOVE:%s:%s", c.Role, c.Name) }

// Success renders a SUCCESS reply line.
func Success(msg string) string { return "SUCCESS:" + msg }

// Error renders an ERROR reply line.
func Error(msg string) string { return "ERROR:" + msg }

// EncodeMessage renders the push line delivered to subscribers when a
// message is published to one of their topics.
func EncodeMessage(id uuid.UUID, name, content string) string {
	return fmt.Sprintf("MESSAGE:%s:%s:%s", id, name, content)
}

// EncodeTopicDeleted renders the push line delivered to subscribers of a
// topic that is being removed.
func EncodeTopicDeleted(id uuid.UUID, name string) string {
	return fmt.Sprintf("TOPICDELETED:%s:%s", id, name)
}

// EncodeSubscriberCount renders the GETSUBSCRIBERCOUNT reply.
func EncodeSubscriberCount(n int) string {
	return "SUBSCRIBERCOUNT:" + strconv.Itoa(n)
}

// EncodeTopicList renders the LISTTOPICS reply. An empty snapshot has its
// own wire value so clients can tell "no topics" from a malformed reply.
func EncodeTopicList(topics []TopicInfo) string {
	if len(topics) == 0 {
		return "TOPICLIST:EMPTY"
	}
	entries := make([]string, 0, len(topics))
	for _, t := range topics {
		entries = append(entries, fmt.Sprintf("%s|%s|%s", t.ID, t.Name, t.Owner))
	}
	return "TOPICLIST:" + strings.Join(entries, ",")
}

// FormatPublished renders the human-readable form of a published message,
// used by the subscriber front-end when displaying MESSAGE pushes.
func FormatPublished(ts time.Time, id uuid.UUID, name, content string) string {
	return fmt.Sprintf("%s %s:%s: %s", ts.Format(TimestampLayout), id, name, content)
}
