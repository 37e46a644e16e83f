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

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// MaxLineBytes caps the length of a single wire line. Conforming traffic is
// tiny (content is bounded at the registry), so anything near this limit is
// garbage or abuse.
const MaxLineBytes = 64 * 1024

// ErrLineTooLong reports a line exceeding MaxLineBytes. The offending line
// has been fully consumed, so the caller can reject it as an invalid command
// and keep reading from the same connection.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// LineReader reads newline-terminated wire lines with a bounded line length.
// Unlike bufio.Scanner, an overlong line does not end the stream: it is
// drained and reported as ErrLineTooLong.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r for line-at-a-time reading.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its terminator. A final line
// without a newline is still returned before EOF is reported.
func (lr *LineReader) ReadLine() (string, error) {
	var sb strings.Builder
	tooLong := false
	for {
		frag, err := lr.r.ReadSlice('\n')
		if !tooLong {
			if sb.Len()+len(frag) > MaxLineBytes {
				tooLong = true
				sb.Reset()
			} else {
				sb.Write(frag)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && sb.Len() == 0 && !tooLong {
			return "", err
		}
		break
	}
	if tooLong {
		return "", ErrLineTooLong
	}
	return strings.TrimRight(sb.String(), "\r\n"), nil
}
