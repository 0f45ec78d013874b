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

package lowpass

import (
	"airheater/internal/params"
	"fmt"
)

// Filter is a single-pole exponential smoother with coefficient
// alpha = Ts/(Tf+Ts). Alpha is only recomputed by SetTimeConstant.
type Filter struct {
	tf, ts float64
	alpha  float64
	y      float64
}

func New(tf, ts, initial float64) (*Filter, error) {
	if ts <= 0 {
		return nil, fmt.Errorf("%w: ts must be > 0 (got %g)", params.ErrInvalidParameter, ts)
	}
	f := &Filter{ts: ts, y: initial}
	if err := f.SetTimeConstant(tf); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) SetTimeConstant(tf float64) error {
	if tf < 0 {
		return fmt.Errorf("%w: filter tf must be >= 0 (got %g)", params.ErrInvalidParameter, tf)
	}
	f.tf = tf
	f.alpha = f.ts / (tf + f.ts)
	return nil
}

func (f *Filter) Update(x float64) float64 {
	f.y = (1-f.alpha)*f.y + f.alpha*x
	return f.y
}

func (f *Filter) Value() float64 { return f.y }

func (f *Filter) Alpha() float64 { return f.alpha }

func (f *Filter) TimeConstant() float64 { return f.tf }

func (f *Filter) Reset(v float64) {
	f.y = v
}
