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
	"airheater/pkg/logger"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	wrapper "github.com/grid-x/modbus"
)

type Client struct {
	mu      sync.Mutex
	handler *wrapper.TCPClientHandler
	client  wrapper.Client
	config  *Config
	log     *logger.Logger
	ctx     context.Context
}

// Dial connects a Modbus TCP client, retrying with backoff up to
// Modbus.DialRetries times.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	c := &Client{
		config: config,
		log:    logger.New("ModbusConn"),
		ctx:    ctx,
	}
	if err := c.connectWithRetry(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connectWithRetry() error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; ; attempt++ {
		if err = c.connect(); err == nil {
			return nil
		}
		if attempt >= c.config.Modbus.DialRetries {
			return err
		}
		c.log.Error("Modbus connect failed: %v (retrying in %v)", err, backoff)
		select {
		case <-c.ctx.Done():
			return errors.Join(err, c.ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 10*time.Second)
	}
}

// connect (re)connects the Modbus client once.
func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler != nil {
		_ = c.handler.Close()
	}

	url := fmt.Sprintf("%s:%d", c.config.Modbus.Host, c.config.Modbus.Port)
	handler := wrapper.NewTCPClientHandler(url)
	handler.SlaveID = c.config.Modbus.SlaveID
	handler.Timeout = time.Second * time.Duration(c.config.Modbus.Timeout)
	handler.ProtocolRecoveryTimeout = 250 * time.Millisecond
	handler.LinkRecoveryTimeout = 5 * time.Second

	c.log.Info("Connecting to %s...", url)
	if err := handler.Connect(c.ctx); err != nil {
		return fmt.Errorf("modbus connect failed: %w", err)
	}

	c.handler = handler
	c.client = wrapper.NewClient(handler)
	c.log.Info("Connected to %s", url)
	return nil
}

// retry runs op, reconnecting once if it failed on the link.
func (c *Client) retry(op func() error) error {
	err := op()
	if err == nil || !isConnError(err) {
		return err
	}
	c.log.Error("connection error: %v, reconnecting", err)
	if rerr := c.connectWithRetry(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return op()
}

func (c *Client) ReadRegisters(addr, quantity uint16) ([]byte, error) {
	var data []byte
	err := c.retry(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		var rerr error
		data, rerr = c.client.ReadHoldingRegisters(c.ctx, addr, quantity)
		return rerr
	})
	return data, err
}

func (c *Client) WriteRegisters(addr, quantity uint16, raw []byte) error {
	return c.retry(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, err := c.client.WriteMultipleRegisters(c.ctx, addr, quantity, raw)
		return err
	})
}

// ReadFloat reads a named register and applies its scale and offset.
func (c *Client) ReadFloat(name string) (float64, error) {
	reg, ok := c.config.Registers[name]
	if !ok {
		return 0, fmt.Errorf("register %q not configured", name)
	}
	raw, err := c.ReadRegisters(reg.Address, registerCount(reg.DataType))
	if err != nil {
		return 0, fmt.Errorf("register read failed for %s: %w", name, err)
	}
	v, err := decode(reg, raw)
	if err != nil {
		return 0, fmt.Errorf("register %q: %w", name, err)
	}
	return v, nil
}

func (c *Client) WriteFloat(name string, value float64) error {
	reg, ok := c.config.Registers[name]
	if !ok {
		return fmt.Errorf("register %q not configured", name)
	}
	if !reg.Writable {
		return fmt.Errorf("register %q is not writable", name)
	}
	raw, n, err := encode(reg, value)
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	c.log.Debug("WriteRegister '%s' <- %.3f", name, value)
	if err := c.WriteRegisters(reg.Address, n, raw); err != nil {
		return fmt.Errorf("failed to write register %q: %w", name, err)
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		_ = c.handler.Close()
	}
}

// --- helpers ---

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "closed by the remote host") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused")
}
