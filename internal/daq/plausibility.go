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

package daq

import (
	"errors"
	"fmt"
	"time"
)

var ErrImplausible = errors.New("daq: implausible reading")

// A healthy 1-5 V transmitter never leaves this band; below it the loop
// is open (broken wire or unpowered transmitter).
const (
	transmitterMinVoltage = 0.8
	transmitterMaxVoltage = 5.2
)

// The heater cannot move the outlet faster than this.
const maxTemperatureRate = 5.0 // °C/s

type reading struct {
	temp float64
	at   time.Time
}

func checkTransmitter(v float64) error {
	if v < transmitterMinVoltage {
		return fmt.Errorf("%w: transmitter at %.2f V, loop open?", ErrImplausible, v)
	}
	if v > transmitterMaxVoltage {
		return fmt.Errorf("%w: transmitter at %.2f V exceeds range", ErrImplausible, v)
	}
	return nil
}

func checkRate(prev reading, next reading) error {
	if prev.at.IsZero() {
		return nil
	}
	dt := next.at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return nil
	}
	rate := (next.temp - prev.temp) / dt
	if rate > maxTemperatureRate || rate < -maxTemperatureRate {
		return fmt.Errorf("%w: %.1f °C/s spike (%.2f -> %.2f °C)", ErrImplausible, rate, prev.temp, next.temp)
	}
	return nil
}
