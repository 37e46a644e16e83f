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

package directory

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// Client issues one-shot requests against a directory server. Every call
// dials a fresh connection, matching the server's one-request-per-
// connection protocol.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a directory client for the server at addr. timeout
// bounds both the dial and the reply read.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) roundTrip(request string, wantReply bool) (string, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return "", fmt.Errorf("directory service unreachable: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := fmt.Fprintln(conn, request); err != nil {
		return "", err
	}
	if !wantReply {
		return "", nil
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("no reply from directory service: %w", err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// Register announces a broker to the directory service.
func (c *Client) Register(brokerID int, host string, port int) error {
	reply, err := c.roundTrip(fmt.Sprintf("REGISTER:%d:%s:%d", brokerID, host, port), true)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "SUCCESS") {
		return fmt.Errorf("registration rejected: %s", reply)
	}
	return nil
}

// QueryBrokers returns the host:port of the least-loaded broker.
func (c *Client) QueryBrokers() (string, error) {
	reply, err := c.roundTrip("QUERY_BROKERS", true)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(reply, "ERROR:") {
		return "", fmt.Errorf("%s", strings.TrimPrefix(reply, "ERROR:"))
	}
	return reply, nil
}

// ClientDisconnected reports a client departure so the broker's load
// counter can be decremented. The server sends no reply.
func (c *Client) ClientDisconnected(brokerID int) error {
	_, err := c.roundTrip(fmt.Sprintf("CLIENT_DISCONNECTED:%d", brokerID), false)
	return err
}
