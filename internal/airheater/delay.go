// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package airheater

// DelayBuffer is a fixed-depth FIFO modelling transport lag on the
// actuator input. It is pre-filled with zeros.
type DelayBuffer struct {
	buf  []float64
	head int
}

func NewDelayBuffer(steps int) *DelayBuffer {
	if steps < 0 {
		steps = 0
	}
	return &DelayBuffer{buf: make([]float64, steps)}
}

// Push appends u and returns the value that was pushed Len() calls ago.
func (d *DelayBuffer) Push(u float64) float64 {
	if len(d.buf) == 0 {
		return u
	}
	out := d.buf[d.head]
	d.buf[d.head] = u
	d.head = (d.head + 1) % len(d.buf)
	return out
}

func (d *DelayBuffer) Len() int {
	return len(d.buf)
}

// Snapshot returns the queued inputs, oldest first.
func (d *DelayBuffer) Snapshot() []float64 {
	out := make([]float64, 0, len(d.buf))
	out = append(out, d.buf[d.head:]...)
	return append(out, d.buf[:d.head]...)
}
