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

package events

import (
	"airheater/internal/params"
	"airheater/pkg/eventbus"
	"time"
)

var (
	TopicTelemetry  eventbus.Topic = "telemetry"
	TopicLoopState  eventbus.Topic = "loop_state"
	TopicParameters eventbus.Topic = "parameters"
)

// TelemetryUpdate is one loop sample. It is also pushed to dashboard
// clients as is.
type TelemetryUpdate struct {
	Time                time.Time `json:"time"`
	Temperature         float64   `json:"temperature"`
	FilteredTemperature float64   `json:"temperature_filtered"`
	ControlSignal       float64   `json:"control_signal"`
	Setpoint            float64   `json:"setpoint"`
}

type LoopStateUpdate struct {
	Running bool
	Reason  string
	Time    time.Time
}

type ParametersUpdate struct {
	Params params.Loop
}
