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
	"airheater/internal/airheater"
	"airheater/internal/telemetry"
	"airheater/pkg/logger"
	"airheater/pkg/modbus"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type Mode string

const (
	ModeSimulator Mode = "simulator"
	ModeHardware  Mode = "hardware"
)

// register names expected in the modbus map
const (
	RegisterTemperature = "ai0_voltage" // transmitter, 1-5 V for 0-50 °C
	RegisterControl     = "ao0_voltage" // heater drive, 0-5 V
)

var (
	ErrNotConnected = errors.New("daq: hardware not connected")
	ErrInvalidMode  = errors.New("daq: invalid mode")
)

// Registers is the subset of the modbus client used for process I/O.
type Registers interface {
	ReadFloat(name string) (float64, error)
	WriteFloat(name string, value float64) error
	Close()
}

type Dialer func(ctx context.Context) (Registers, error)

// ModbusDialer connects with the register map in c.
func ModbusDialer(c *modbus.Config) Dialer {
	return func(ctx context.Context) (Registers, error) {
		if err := c.Require([]string{RegisterTemperature}, []string{RegisterControl}); err != nil {
			return nil, err
		}
		client, err := modbus.Dial(ctx, c)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

const readInterval = time.Second

type Status struct {
	Mode              Mode     `json:"mode"`
	HardwareConnected bool     `json:"hardware_connected"`
	LastControl       float64  `json:"last_control"`
	LastReading       *Reading `json:"last_reading,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
}

// Reading is the last plausible transmitter sample.
type Reading struct {
	Temperature float64   `json:"temperature"`
	Time        time.Time `json:"time"`
}

// Device switches process I/O between the simulator and a real heater
// behind a modbus analog I/O module. In simulator mode Record is a no-op.
type Device struct {
	mu              sync.Mutex
	mode            Mode
	regs            Registers
	dial            Dialer
	lastControl     float64
	lastErr         error
	lastReading     reading
	lastReadAttempt time.Time
	now             func() time.Time
	log             *logger.Logger
}

func New(dial Dialer) *Device {
	return &Device{
		mode: ModeSimulator,
		dial: dial,
		now:  time.Now,
		log:  logger.New("DAQ"),
	}
}

// SwitchMode connects or releases the hardware. A failed connect leaves the
// device in simulator mode.
func (d *Device) SwitchMode(ctx context.Context, m Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m != ModeSimulator && m != ModeHardware {
		return fmt.Errorf("%w: %q", ErrInvalidMode, m)
	}
	if m == d.mode {
		return nil
	}

	if m == ModeSimulator {
		d.release()
		d.mode = ModeSimulator
		d.log.Info("switched to simulator")
		return nil
	}

	if d.dial == nil {
		return fmt.Errorf("%w: no hardware configured", ErrNotConnected)
	}
	regs, err := d.dial(ctx)
	if err != nil {
		d.lastErr = err
		d.log.Error("hardware setup: %v", err)
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	d.regs = regs
	d.mode = ModeHardware
	d.lastErr = nil
	d.log.Info("switched to hardware")
	return nil
}

func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// readLocked samples the outlet temperature. Readings outside the
// transmitter band or changing faster than the heater can are rejected
// with ErrImplausible and leave the last good reading in place.
func (d *Device) readLocked() error {
	at := d.now()
	d.lastReadAttempt = at
	v, err := d.regs.ReadFloat(RegisterTemperature)
	if err == nil {
		err = checkTransmitter(v)
	}
	if err == nil {
		next := reading{temp: VoltageToTemperature(v), at: at}
		if err = checkRate(d.lastReading, next); err == nil {
			d.lastReading = next
			return nil
		}
	}
	d.lastErr = err
	return err
}

func (d *Device) writeLocked(u float64) error {
	if d.regs == nil {
		return ErrNotConnected
	}
	u = max(airheater.InputMin, min(airheater.InputMax, u))
	if err := d.regs.WriteFloat(RegisterControl, u); err != nil {
		d.lastErr = err
		return err
	}
	d.lastControl = u
	return nil
}

// Record mirrors the loop's control signal to the heater when in hardware
// mode, and samples the transmitter at most once per readInterval.
func (d *Device) Record(r telemetry.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != ModeHardware {
		return nil
	}
	if err := d.writeLocked(r.ControlSignal); err != nil {
		return fmt.Errorf("%w: daq: %w", telemetry.ErrSinkFailure, err)
	}
	if d.now().Sub(d.lastReadAttempt) < readInterval {
		return nil
	}
	if err := d.readLocked(); err != nil {
		return fmt.Errorf("%w: daq: %w", telemetry.ErrSinkFailure, err)
	}
	return nil
}

// Close sets the output to zero before releasing the hardware.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release()
	d.mode = ModeSimulator
}

func (d *Device) release() {
	if d.regs == nil {
		return
	}
	if err := d.regs.WriteFloat(RegisterControl, 0); err != nil {
		d.log.Error("safety zero failed: %v", err)
	}
	d.regs.Close()
	d.regs = nil
	d.lastControl = 0
	d.lastReading = reading{}
	d.lastReadAttempt = time.Time{}
}

func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		Mode:              d.mode,
		HardwareConnected: d.regs != nil,
		LastControl:       d.lastControl,
	}
	if !d.lastReading.at.IsZero() {
		s.LastReading = &Reading{Temperature: d.lastReading.temp, Time: d.lastReading.at}
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

// VoltageToTemperature maps the 1-5 V transmitter signal onto 0-50 °C.
func VoltageToTemperature(v float64) float64 {
	return (v - 1.0) * (50.0 / 4.0)
}
