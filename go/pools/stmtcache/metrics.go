// Copyright 2026 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stmtcache

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyResult   = "db.client.statement_cache.result"
	attrKeyState    = "db.client.statement_cache.state"
)

// Metrics holds the statement cache instruments. A nil *Metrics records
// nothing. One Metrics is shared by every cache of a factory; caches tell
// themselves apart by their connection label.
type Metrics struct {
	lookups   metric.Int64Counter
	evictions metric.Int64Counter
	handles   metric.Int64UpDownCounter
}

// NewMetrics creates the cache instruments on m, or on the global meter
// provider if m is nil. Instruments that fail to initialize fall back to
// noop implementations and are reported in the returned error.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	if m == nil {
		m = otel.Meter("github.com/multigres/managedpool/go/pools/stmtcache")
	}

	var errs []error
	metrics := &Metrics{}

	lookups, err := m.Int64Counter(
		"db.client.statement_cache.lookups",
		metric.WithDescription("Prepared statement cache lookups, by result."),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("db.client.statement_cache.lookups counter: %w", err))
		lookups = noop.Int64Counter{}
	}
	metrics.lookups = lookups

	evictions, err := m.Int64Counter(
		"db.client.statement_cache.evictions",
		metric.WithDescription("Idle prepared statements discarded to make room for a new one."),
		metric.WithUnit("{statement}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("db.client.statement_cache.evictions counter: %w", err))
		evictions = noop.Int64Counter{}
	}
	metrics.evictions = evictions

	handles, err := m.Int64UpDownCounter(
		"db.client.statement_cache.count",
		metric.WithDescription("Prepared statements currently held, by state."),
		metric.WithUnit("{statement}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("db.client.statement_cache.count up-down counter: %w", err))
		handles = noop.Int64UpDownCounter{}
	}
	metrics.handles = handles

	if len(errs) > 0 {
		return metrics, errors.Join(errs...)
	}
	return metrics, nil
}

func (m *Metrics) lookup(ctx context.Context, name string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrKeyPoolName, name),
		attribute.String(attrKeyResult, result),
	))
}

func (m *Metrics) evicted(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKeyPoolName, name)))
}

func (m *Metrics) count(ctx context.Context, delta int64, name string, state stmtState) {
	if m == nil || delta == 0 {
		return
	}
	m.handles.Add(ctx, delta, metric.WithAttributes(
		attribute.String(attrKeyPoolName, name),
		attribute.String(attrKeyState, state.String()),
	))
}
