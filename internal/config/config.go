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

package config

import (
	"airheater/internal/airheater"
	"airheater/internal/params"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

type PlantConfig struct {
	Kh         float64 `json:"kh"`
	ThetaT     float64 `json:"theta_t"`
	ThetaD     float64 `json:"theta_d"` // dead time used by the stability analyzer
	Ts         float64 `json:"ts"`
	Tenv       float64 `json:"tenv"`
	DelaySteps int     `json:"delay_steps"`
	Seed       uint64  `json:"seed"`
}

type ControllerConfig struct {
	Setpoint float64 `json:"setpoint"`
	Kp       float64 `json:"kp"`
	Ti       float64 `json:"ti"`
	FilterTf float64 `json:"filter_tf"`
	NoiseStd float64 `json:"noise_std"`
}

type LoopConfig struct {
	PeriodMs  int  `json:"period_ms"`
	Autostart bool `json:"autostart"`

	// take setpoint and gains from the last CSV row at startup
	RestoreLast bool `json:"restore_last"`
}

type TelemetryConfig struct {
	CSVPath       string `json:"csv_path"`
	FlushSeconds  int    `json:"flush_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	HistorySize   int    `json:"history_size"`
	RetentionDays int    `json:"retention_days"`

	EmonCMSAddr     string `json:"emoncms_addr"`
	EmonCMSApiKey   string `json:"emoncms_apikey"`
	EmonCMSNode     string `json:"emoncms_node"`
	IntervalSeconds int    `json:"interval_seconds"`
}

type HardwareConfig struct {
	Enable       bool   `json:"enable"`
	ModbusConfig string `json:"modbus_config"` // YAML register map
}

type Config struct {
	Plant      PlantConfig      `json:"plant"`
	Controller ControllerConfig `json:"controller"`
	Limits     params.Limits    `json:"limits"`
	Loop       LoopConfig       `json:"loop"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Hardware   HardwareConfig   `json:"hardware"`
	HTTPAddr   string           `json:"http_addr"`

	// set by the caller; relative paths above resolve against it
	RootDir string `json:"-"`
}

// Default returns the reference rig: Kh=3.5 °C/V, θt=22 s, θd=2 s,
// Ts=0.1 s, Kp=2, Ti=7.5 s, Tf=0.5 s.
func Default() *Config {
	plant := airheater.DefaultConfig()
	return &Config{
		Plant: PlantConfig{
			Kh:         plant.Kh,
			ThetaT:     plant.ThetaT,
			ThetaD:     2,
			Ts:         plant.Ts,
			Tenv:       plant.Tenv,
			DelaySteps: plant.DelaySteps,
			Seed:       plant.Seed,
		},
		Controller: ControllerConfig{
			Setpoint: 25,
			Kp:       2,
			Ti:       7.5,
			FilterTf: 0.5,
			NoiseStd: plant.NoiseStd,
		},
		Limits: params.DefaultLimits(),
		Loop:   LoopConfig{RestoreLast: true},
	}
}

func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes over Default, so sections or fields missing from r keep
// their defaults, then fills the remaining zero-valued settings.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Loop.PeriodMs == 0 {
		c.Loop.PeriodMs = 10
	}
	if c.Telemetry.CSVPath == "" {
		c.Telemetry.CSVPath = "var/data/airheater.csv"
	}
	if c.Telemetry.FlushSeconds == 0 {
		c.Telemetry.FlushSeconds = 5
	}
	if c.Telemetry.QueueDepth == 0 {
		c.Telemetry.QueueDepth = 1024
	}
	if c.Telemetry.HistorySize == 0 {
		c.Telemetry.HistorySize = 200_000
	}
	if c.Telemetry.RetentionDays == 0 {
		c.Telemetry.RetentionDays = 30
	}
	if c.Telemetry.EmonCMSNode == "" {
		c.Telemetry.EmonCMSNode = "airheater"
	}
	if c.Telemetry.IntervalSeconds == 0 {
		c.Telemetry.IntervalSeconds = 10
	}
	if c.Hardware.ModbusConfig == "" {
		c.Hardware.ModbusConfig = "var/config/airheater.modbus.yml"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
}

func (c *Config) Validate() error {
	if err := c.PlantModel().Validate(); err != nil {
		return fmt.Errorf("plant: %w", err)
	}
	if c.Plant.ThetaD < 0 {
		return fmt.Errorf("plant: %w: theta_d must be >= 0", params.ErrInvalidParameter)
	}
	if err := c.Limits.Validate(c.InitialParams()); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if c.Loop.PeriodMs < 0 {
		return fmt.Errorf("loop: period_ms must be > 0")
	}
	if c.Telemetry.HistorySize < 0 || c.Telemetry.QueueDepth < 0 || c.Telemetry.RetentionDays < 0 {
		return fmt.Errorf("telemetry: sizes must be >= 0")
	}
	return nil
}

func (c *Config) PlantModel() airheater.Config {
	return airheater.Config{
		Kh:         c.Plant.Kh,
		ThetaT:     c.Plant.ThetaT,
		Ts:         c.Plant.Ts,
		Tenv:       c.Plant.Tenv,
		NoiseStd:   c.Controller.NoiseStd,
		DelaySteps: c.Plant.DelaySteps,
		Seed:       c.Plant.Seed,
	}
}

func (c *Config) InitialParams() params.Loop {
	return params.Loop{
		Setpoint: c.Controller.Setpoint,
		Kp:       c.Controller.Kp,
		Ti:       c.Controller.Ti,
		NoiseStd: c.Controller.NoiseStd,
		FilterTf: c.Controller.FilterTf,
	}
}

func (c *Config) LoopPeriod() time.Duration {
	return time.Duration(c.Loop.PeriodMs) * time.Millisecond
}

// Path resolves p against RootDir unless it is absolute.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) || c.RootDir == "" {
		return p
	}
	return filepath.Join(c.RootDir, p)
}
