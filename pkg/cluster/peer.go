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

package cluster

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// peerLink is one outbound connection to a peer broker. Writes are
// serialized so concurrent broadcasts never interleave mid-line.
type peerLink struct {
	id     int
	conn   net.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

func (p *peerLink) send(line string) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := io.WriteString(p.conn, line+"\n")
	return err
}

func (p *peerLink) close() {
	if p.closed.CompareAndSwap(false, true) {
		p.conn.Close()
	}
}
