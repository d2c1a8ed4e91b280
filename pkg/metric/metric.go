// Copyright 2023 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. Metrics with fields keep one counter per combination of field
// values.
type Uint64Metric struct {
	name        string
	description string
	field       *Field

	// values maps the field value (or "" without a field) to its counter.
	// It is filled at creation time and never mutated afterwards.
	values map[string]*atomic.Uint64
}

// allMetrics are the registered metrics.
var allMetrics = struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}{metrics: make(map[string]*Uint64Metric)}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name. At most one field is supported.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if len(fields) > 1 {
		return nil, fmt.Errorf("metric %q: at most one field is supported", name)
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		values:      make(map[string]*atomic.Uint64),
	}
	if len(fields) == 0 {
		m.values[""] = new(atomic.Uint64)
	} else {
		f := fields[0]
		if len(f.allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		for _, v := range f.allowedValues {
			if v == "" || strings.ContainsAny(v, " =,{}") {
				return nil, ErrFieldValueContainsIllegalChar
			}
			m.values[v] = new(atomic.Uint64)
		}
		m.field = &f
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

func (m *Uint64Metric) counter(fieldValues []string) *atomic.Uint64 {
	key := ""
	switch {
	case m.field == nil && len(fieldValues) == 0:
	case m.field != nil && len(fieldValues) == 1:
		key = fieldValues[0]
	default:
		panic(fmt.Sprintf("metric %q: got %d field values", m.name, len(fieldValues)))
	}
	c, ok := m.values[key]
	if !ok {
		panic(fmt.Sprintf("metric %q: field value %q is not allowed", m.name, key))
	}
	return c
}

// Value returns the current value of the metric for the given field value.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.counter(fieldValues).Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counter(fieldValues).Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counter(fieldValues).Add(v)
}

// Snapshot returns the value of every registered metric, keyed by
// "name" or "name{field=value}".
func Snapshot() map[string]uint64 {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	out := make(map[string]uint64)
	for name, m := range allMetrics.metrics {
		for v, c := range m.values {
			key := name
			if m.field != nil {
				key = fmt.Sprintf("%s{%s=%s}", name, m.field.name, v)
			}
			out[key] = c.Load()
		}
	}
	return out
}

// WriteTo writes the snapshot to w, one "key value" pair per line, sorted by
// key.
func WriteTo(w io.Writer) error {
	snap := Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s %d\n", k, snap[k]); err != nil {
			return err
		}
	}
	return nil
}
