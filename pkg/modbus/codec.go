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

package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

func registerCount(dataType string) uint16 {
	switch dataType {
	case "uint16", "int16":
		return 1
	case "float32":
		return 2
	}
	return 0
}

// decode turns raw big-endian register bytes into an engineering value.
func decode(reg RegisterDef, raw []byte) (float64, error) {
	n := registerCount(reg.DataType)
	if n == 0 {
		return 0, fmt.Errorf("unsupported data type %q", reg.DataType)
	}
	if len(raw) < int(n)*2 {
		return 0, fmt.Errorf("short read: %d bytes for %s", len(raw), reg.DataType)
	}

	var v float64
	switch reg.DataType {
	case "float32":
		v = float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))
	case "int16":
		v = float64(int16(binary.BigEndian.Uint16(raw)))
	case "uint16":
		v = float64(binary.BigEndian.Uint16(raw))
	}
	if reg.Scale != 0 {
		v = v*reg.Scale + reg.Offset
	}
	return v, nil
}

// encode is the inverse of decode. It returns the bytes and the register
// count to write.
func encode(reg RegisterDef, v float64) ([]byte, uint16, error) {
	if reg.Scale != 0 {
		v = (v - reg.Offset) / reg.Scale
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, 0, fmt.Errorf("value %v is not finite", v)
	}

	switch reg.DataType {
	case "float32":
		if v > math.MaxFloat32 || v < -math.MaxFloat32 {
			return nil, 0, fmt.Errorf("value %v out of float32 range", v)
		}
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(v))), 2, nil

	case "int16":
		i := math.Round(v)
		if i < math.MinInt16 || i > math.MaxInt16 {
			return nil, 0, fmt.Errorf("value %v out of int16 range", v)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(int16(i))), 1, nil

	case "uint16":
		i := math.Round(v)
		if i < 0 || i > math.MaxUint16 {
			return nil, 0, fmt.Errorf("value %v out of uint16 range", v)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(i)), 1, nil
	}
	return nil, 0, fmt.Errorf("unsupported data type %q", reg.DataType)
}
