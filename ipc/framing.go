/*
 *
 * tabfleet - a multi-tenant browser automation broker
 * Copyright (C) 2025 Tabfleet Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package ipc

import (
	"bytes"
	"encoding/json"
)

// Decoder incrementally splits a byte stream into newline-delimited
// frames. It owns a buffer holding only the unconsumed suffix of the
// stream; a single Feed may yield zero, one, or many frames.
type Decoder struct {
	buf []byte
}

// Feed appends p to the buffer and returns every complete frame now
// available. Returned slices are copies and stay valid across feeds.
// Empty lines are skipped.
func (d *Decoder) Feed(p []byte) [][]byte {
	d.buf = append(d.buf, p...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return frames
		}
		line := bytes.TrimRight(d.buf[:i], "\r")
		d.buf = d.buf[i+1:]
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		frames = append(frames, frame)
	}
}

// Buffered reports how many bytes await a terminating newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any partial frame, used when a connection is replaced.
func (d *Decoder) Reset() {
	d.buf = nil
}

// EncodeFrame marshals v and appends the newline terminator.
func EncodeFrame(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}
