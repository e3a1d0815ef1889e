// Copyright 2025 Edgeo SCADA
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

package modbus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// latencyBounds are the histogram bucket upper bounds in milliseconds.
var latencyBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

var latencyLabels = []string{"1ms", "5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "1s", "5s+"}

// LatencyHistogram tracks latency distribution.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64 // count per bucket
	sum     float64 // sum of all observations in ms
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram with default buckets.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyBounds)),
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++

	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}

	for i, bound := range latencyBounds {
		if ms <= bound {
			h.buckets[i]++
			return
		}
	}
	// Greater than all bounds
	h.buckets[len(h.buckets)-1]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: make(map[string]int64, len(h.buckets)),
		Bounds:  latencyBounds,
		Counts:  append([]int64(nil), h.buckets...),
	}

	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}

	for i, count := range h.buckets {
		stats.Buckets[latencyLabels[i]] = count
	}

	return stats
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics. Bounds and Counts carry the raw
// (non-cumulative) bucket counts in bound order.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64
	Bounds  []float64
	Counts  []int64
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	RequestsTotal      Counter // frames read
	RequestsSuccess    Counter // answered with a normal response
	RequestsExceptions Counter // answered with an exception response
	RequestsErrors     Counter // dropped: framing or write failure
	ActiveConns        Counter
	TotalConns         Counter
	RejectedConns      Counter
	Latency            *LatencyHistogram

	funcMetrics sync.Map // FunctionCode -> *FunctionMetrics
	exceptions  sync.Map // ExceptionCode -> *Counter
}

// FunctionMetrics holds metrics for a specific function code.
type FunctionMetrics struct {
	Requests   Counter
	Exceptions Counter
	Latency    *LatencyHistogram
}

// NewServerMetrics creates a new ServerMetrics instance.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *ServerMetrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	if val, ok := m.funcMetrics.Load(fc); ok {
		return val.(*FunctionMetrics)
	}

	fm := &FunctionMetrics{
		Latency: NewLatencyHistogram(),
	}
	actual, _ := m.funcMetrics.LoadOrStore(fc, fm)
	return actual.(*FunctionMetrics)
}

// ForException returns the counter of responses sent with code ec.
func (m *ServerMetrics) ForException(ec ExceptionCode) *Counter {
	if val, ok := m.exceptions.Load(ec); ok {
		return val.(*Counter)
	}
	actual, _ := m.exceptions.LoadOrStore(ec, &Counter{})
	return actual.(*Counter)
}

// observe records one answered request.
func (m *ServerMetrics) observe(fc FunctionCode, ec ExceptionCode, exception bool, d time.Duration) {
	fm := m.ForFunction(fc)
	fm.Requests.Add(1)
	fm.Latency.Observe(d)
	m.Latency.Observe(d)
	if exception {
		fm.Exceptions.Add(1)
		m.ForException(ec).Add(1)
		m.RequestsExceptions.Add(1)
		return
	}
	m.RequestsSuccess.Add(1)
}

// Functions returns the function codes seen so far, in ascending order.
func (m *ServerMetrics) Functions() []FunctionCode {
	var fcs []FunctionCode
	m.funcMetrics.Range(func(key, _ interface{}) bool {
		fcs = append(fcs, key.(FunctionCode))
		return true
	})
	sort.Slice(fcs, func(i, j int) bool { return fcs[i] < fcs[j] })
	return fcs
}

// Exceptions returns a snapshot of exception response counts by code.
func (m *ServerMetrics) Exceptions() map[ExceptionCode]int64 {
	out := make(map[ExceptionCode]int64)
	m.exceptions.Range(func(key, value interface{}) bool {
		out[key.(ExceptionCode)] = value.(*Counter).Value()
		return true
	})
	return out
}

// Collect returns all metrics as a map (compatible with expvar).
func (m *ServerMetrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":      m.RequestsTotal.Value(),
		"requests_success":    m.RequestsSuccess.Value(),
		"requests_exceptions": m.RequestsExceptions.Value(),
		"requests_errors":     m.RequestsErrors.Value(),
		"active_conns":        m.ActiveConns.Value(),
		"total_conns":         m.TotalConns.Value(),
		"rejected_conns":      m.RejectedConns.Value(),
		"latency":             m.Latency.Stats(),
	}

	funcStats := make(map[string]interface{})
	for _, fc := range m.Functions() {
		fm := m.ForFunction(fc)
		funcStats[fc.String()] = map[string]interface{}{
			"requests":   fm.Requests.Value(),
			"exceptions": fm.Exceptions.Value(),
			"latency":    fm.Latency.Stats(),
		}
	}
	if len(funcStats) > 0 {
		result["functions"] = funcStats
	}

	excStats := make(map[string]int64)
	for ec, n := range m.Exceptions() {
		excStats[ec.String()] = n
	}
	if len(excStats) > 0 {
		result["exceptions"] = excStats
	}

	return result
}

// Reset resets all request metrics. Connection gauges are left alone.
func (m *ServerMetrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.RequestsExceptions.Reset()
	m.RequestsErrors.Reset()
	m.Latency.Reset()

	m.funcMetrics.Range(func(_, value interface{}) bool {
		fm := value.(*FunctionMetrics)
		fm.Requests.Reset()
		fm.Exceptions.Reset()
		fm.Latency.Reset()
		return true
	})
	m.exceptions.Range(func(_, value interface{}) bool {
		value.(*Counter).Reset()
		return true
	})
}
