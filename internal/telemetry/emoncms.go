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

package telemetry

import (
	"airheater/pkg/logger"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// EmonCMS posts records to an EmonCMS input API as a fulljson node. Only
// one record per interval is forwarded; the rest are skipped.
type EmonCMS struct {
	addr     string
	apiKey   string
	node     string
	interval time.Duration
	client   *http.Client
	log      *logger.Logger

	mu       sync.Mutex
	lastPost time.Time
}

func NewEmonCMS(addr, apiKey, node string, interval time.Duration) *EmonCMS {
	return &EmonCMS{
		addr:     addr,
		apiKey:   apiKey,
		node:     node,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logger.New("DataLogger"),
	}
}

func (c *EmonCMS) Record(r Record) error {
	c.mu.Lock()
	if !c.lastPost.IsZero() && r.Time.Sub(c.lastPost) < c.interval {
		c.mu.Unlock()
		return nil
	}
	c.lastPost = r.Time
	c.mu.Unlock()

	return c.inputPost(map[string]float64{
		"temperature":          r.Temperature,
		"temperature_filtered": r.FilteredTemperature,
		"control_signal":       r.ControlSignal,
		"setpoint":             r.Setpoint,
		"kp":                   r.Kp,
		"ti":                   r.Ti,
	})
}

func (c *EmonCMS) inputPost(data map[string]float64) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		c.log.Error("json.Marshal: %v", err)
		return err
	}

	q := url.Values{}
	q.Set("node", c.node)
	q.Set("apikey", c.apiKey)
	q.Set("fulljson", string(bytes))
	request := fmt.Sprintf("%s/input/post?%s", c.addr, q.Encode())

	resp, err := c.client.Get(request)
	if err != nil {
		return fmt.Errorf("%w: emoncms: %w", ErrSinkFailure, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: emoncms: status %s", ErrSinkFailure, resp.Status)
	}
	return nil
}
