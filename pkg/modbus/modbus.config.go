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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Modbus    ModbusConfig           `yaml:"modbus"`
	Registers map[string]RegisterDef `yaml:"registers"`
}

type ModbusConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	SlaveID     byte   `yaml:"slave_id"`
	Timeout     int    `yaml:"timeout"`      // seconds
	DialRetries int    `yaml:"dial_retries"` // connect attempts before giving up
}

type RegisterDef struct {
	Address     uint16  `yaml:"address"`
	DataType    string  `yaml:"data_type"` // "uint16", "int16", "float32"
	Scale       float64 `yaml:"scale"`     // if set, raw integer is value*Scale+Offset
	Offset      float64 `yaml:"offset"`
	Description string  `yaml:"description"`
	Writable    bool    `yaml:"writable"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read modbus config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse modbus config: %w", err)
	}
	if config.Modbus.Port == 0 {
		config.Modbus.Port = 502
	}
	if config.Modbus.Timeout == 0 {
		config.Modbus.Timeout = 2
	}
	if config.Modbus.DialRetries == 0 {
		config.Modbus.DialRetries = 3
	}
	return &config, nil
}

// Require checks that every named register is mapped with a supported data
// type. Registers listed in writable must also be marked writable.
func (c *Config) Require(readable []string, writable []string) error {
	check := func(name string) (RegisterDef, error) {
		reg, ok := c.Registers[name]
		if !ok {
			return reg, fmt.Errorf("register %q not configured", name)
		}
		if registerCount(reg.DataType) == 0 {
			return reg, fmt.Errorf("register %q: unsupported data type %q", name, reg.DataType)
		}
		return reg, nil
	}
	for _, name := range readable {
		if _, err := check(name); err != nil {
			return err
		}
	}
	for _, name := range writable {
		reg, err := check(name)
		if err != nil {
			return err
		}
		if !reg.Writable {
			return fmt.Errorf("register %q is not writable", name)
		}
	}
	return nil
}
