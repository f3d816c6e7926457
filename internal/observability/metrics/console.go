// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the console's domain metrics
type Instruments struct {
	resolutions       metric.Int64Counter
	resolutionLatency metric.Float64Histogram
	transitions       metric.Int64Counter
	guardDecisions    metric.Int64Counter
	activeSessions    metric.Int64UpDownCounter
	expirations       metric.Int64Counter
}

// NewInstruments registers the console instruments on m
func NewInstruments(m *Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	if in.resolutions, err = m.CreateCounter("console.permission.resolutions", "Permission resolutions by outcome"); err != nil {
		return nil, err
	}
	if in.resolutionLatency, err = m.CreateHistogram("console.permission.resolution.duration", "Permission resolution latency", "ms"); err != nil {
		return nil, err
	}
	if in.transitions, err = m.CreateCounter("console.tenant.transitions", "Tenant scope transitions by operation and result"); err != nil {
		return nil, err
	}
	if in.guardDecisions, err = m.CreateCounter("console.guard.decisions", "Route guard decisions by state"); err != nil {
		return nil, err
	}
	if in.activeSessions, err = m.CreateUpDownCounter("console.sessions.active", "Browser sessions held in memory"); err != nil {
		return nil, err
	}
	if in.expirations, err = m.CreateCounter("console.sessions.expired", "Sessions logged out by the expiry monitor"); err != nil {
		return nil, err
	}
	return &in, nil
}

// NoopInstruments returns instruments that record nothing
func NoopInstruments() *Instruments {
	in, _ := NewInstruments(Noop())
	return in
}

// Resolution records one permission resolution
func (in *Instruments) Resolution(ctx context.Context, outcome string, elapsed time.Duration) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	in.resolutions.Add(ctx, 1, attrs)
	in.resolutionLatency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// Transition records one tenant scope transition attempt
func (in *Instruments) Transition(ctx context.Context, op, result string) {
	if in == nil {
		return
	}
	in.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("result", result),
	))
}

// GuardDecision records the state a route check settled in
func (in *Instruments) GuardDecision(ctx context.Context, state string) {
	if in == nil {
		return
	}
	in.guardDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// SessionOpened and SessionClosed track live browser sessions
func (in *Instruments) SessionOpened(ctx context.Context) {
	if in != nil {
		in.activeSessions.Add(ctx, 1)
	}
}

func (in *Instruments) SessionClosed(ctx context.Context) {
	if in != nil {
		in.activeSessions.Add(ctx, -1)
	}
}

// Expired records a forced logout at token expiry
func (in *Instruments) Expired(ctx context.Context) {
	if in != nil {
		in.expirations.Add(ctx, 1)
	}
}
